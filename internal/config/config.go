package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL        string
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	LedgerMaxAttempts  int
	LedgerRetryBackoff time.Duration

	// Progression
	FoundingMemberLimit int64

	// Notify
	RedisURL      string
	RedisChannel  string
	WebhookURL    string
	NotifyTimeout time.Duration

	// Reconcile
	ReconcileInterval  time.Duration
	ReconcileBatchSize int

	// Rate Limit（req/min/user）
	RateLimitGeneral  int
	RateLimitMutation int

	// Server
	ServerPort   string
	GatewayToken string

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotEnv はカレントディレクトリの.envファイルがあれば環境変数に読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルがなければ何もしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no .env file found, using process environment", slog.String("path", path))
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.LedgerMaxAttempts = getEnvInt("LEDGER_MAX_ATTEMPTS", 3)
	cfg.LedgerRetryBackoff = getEnvDuration("LEDGER_RETRY_BACKOFF", 20*time.Millisecond)
	cfg.FoundingMemberLimit = getEnvInt64("FOUNDING_MEMBER_LIMIT", 100)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.RedisChannel = getEnvString("REDIS_CHANNEL", "progression.events")
	cfg.WebhookURL = getEnvString("WEBHOOK_URL", "")
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 5*time.Second)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute)
	cfg.ReconcileBatchSize = getEnvInt("RECONCILE_BATCH_SIZE", 500)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitMutation = getEnvInt("RATE_LIMIT_MUTATION", 60)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.GatewayToken = getEnvString("GATEWAY_TOKEN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	if cfg.LedgerMaxAttempts < 1 {
		return nil, fmt.Errorf("LEDGER_MAX_ATTEMPTS must be >= 1: %d", cfg.LedgerMaxAttempts)
	}
	if cfg.FoundingMemberLimit < 0 {
		return nil, fmt.Errorf("FOUNDING_MEMBER_LIMIT must be >= 0: %d", cfg.FoundingMemberLimit)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を分解する。空要素は無視する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
