package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/progression/internal/badge"
	"github.com/hitoshi/progression/internal/config"
	"github.com/hitoshi/progression/internal/database"
	"github.com/hitoshi/progression/internal/handler"
	"github.com/hitoshi/progression/internal/ledger"
	"github.com/hitoshi/progression/internal/logger"
	"github.com/hitoshi/progression/internal/metrics"
	"github.com/hitoshi/progression/internal/middleware"
	"github.com/hitoshi/progression/internal/mission"
	"github.com/hitoshi/progression/internal/notify"
	"github.com/hitoshi/progression/internal/onboarding"
	"github.com/hitoshi/progression/internal/rank"
	"github.com/hitoshi/progression/internal/repository"
	"github.com/hitoshi/progression/internal/security"
	"github.com/hitoshi/progression/internal/worker/reconcile"
)

// Init はアプリケーションの初期化を行う。
// .envファイルと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数は上書きしない）
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// 2. ログの初期化
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandReconcile:
		return runReconcileOnce(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRegistry はプロセス・ランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// retryPolicy は設定から台帳トランザクションの再試行ポリシーを組み立てる。
func retryPolicy(cfg *config.Config) repository.RetryPolicy {
	return repository.RetryPolicy{
		MaxAttempts: cfg.LedgerMaxAttempts,
		Backoff:     cfg.LedgerRetryBackoff,
	}
}

// rateLimiterConfig はreq/min単位の設定をreq/secのレートに変換する。
// バーストは1分間の上限値とする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitMutation > 0 {
		rl.MutationRate = rate.Limit(float64(cfg.RateLimitMutation) / 60.0)
		rl.MutationBurst = cfg.RateLimitMutation
	}
	return rl
}

// buildPublishers は設定された通知チャネルのPublisherを組み立てる。
// 戻り値のcloseは取得したクライアントを解放する。
func buildPublishers(ctx context.Context, cfg *config.Config, guard security.OutboundGuard) ([]notify.Publisher, func(), error) {
	var publishers []notify.Publisher
	var redisClient *redis.Client

	closeAll := func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				slog.Warn("failed to close redis client", slog.String("error", err.Error()))
			}
		}
	}

	if cfg.RedisURL != "" {
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, closeAll, err
		}
		redisClient = client
		publishers = append(publishers, notify.NewRedisPublisher(client, cfg.RedisChannel))
	}

	if cfg.WebhookURL != "" {
		if err := guard.ValidateURL(cfg.WebhookURL); err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("invalid WEBHOOK_URL: %w", err)
		}
		publishers = append(publishers, notify.NewWebhookPublisher(guard.NewSafeClient(cfg.NotifyTimeout), cfg.WebhookURL))
	}

	return publishers, closeAll, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 3. リポジトリの初期化
	ranks := rank.Evaluator{}
	lowest := rank.Lowest()
	policy := retryPolicy(cfg)
	ledgerRepo := repository.NewPostgresLedgerRepo(db, ranks, lowest, policy, collector)
	missionRepo := repository.NewPostgresMissionRepo(db, ranks, lowest, policy, collector)
	badgeRepo := repository.NewPostgresBadgeRepo(db, ranks, lowest, policy, collector)
	onboardingRepo := repository.NewPostgresOnboardingRepo(db, policy, collector)
	profileRepo := repository.NewPostgresProfileRepo(db)

	// 4. 通知
	guard := security.NewOutboundGuard()
	publishers, closePublishers, err := buildPublishers(context.Background(), cfg, guard)
	if err != nil {
		return fmt.Errorf("failed to set up notifications: %w", err)
	}
	defer closePublishers()
	dispatcher := notify.NewDispatcher(publishers, cfg.NotifyTimeout, collector, slog.Default())

	// 5. ドメインサービスの初期化
	sanitizer := security.NewTextSanitizer()
	ledgerService := ledger.NewService(ledgerRepo, badgeRepo, dispatcher, collector)
	badgeEngine := badge.NewEngine(
		badge.NewCatalog(cfg.FoundingMemberLimit),
		badgeRepo, ledgerRepo, missionRepo, onboardingRepo, profileRepo,
		dispatcher, collector,
	)
	tracker := mission.NewTracker(missionRepo, ledgerRepo, badgeEngine, sanitizer, dispatcher, collector)
	sequencer := onboarding.NewSequencer(onboardingRepo, badgeEngine, sanitizer, dispatcher, collector)

	// 6. ルーターの構築
	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer limiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:             slog.Default(),
		HTTPStatuses:       collector,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		GatewayToken:       cfg.GatewayToken,
		RateLimiter:        limiter,
		HealthChecker:      db,
		MetricsHandler:     metrics.Handler(reg),

		OnboardingService: sequencer,
		MissionService:    tracker,
		ProgressService:   ledgerService,
		BadgeService:      badgeEngine,
		AdminService:      handler.NewAdminServiceAdapter(ledgerService, badgeEngine),
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := serveUntilSignal(server); err != nil {
		return err
	}

	// 送信中の通知を待ってから終了する
	dispatcher.Wait()
	slog.Info("API server stopped gracefully")
	return nil
}

// serveUntilSignal はサーバーを起動し、SIGINTまたはSIGTERMでシャットダウンする。
func serveUntilSignal(server *http.Server) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	listenErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// runWorker はワーカーモードで起動する。
// 台帳の突き合わせジョブをスケジュールし、/healthと/metricsを公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	ledgerRepo := repository.NewPostgresLedgerRepo(db, rank.Evaluator{}, rank.Lowest(), retryPolicy(cfg), collector)

	job := reconcile.NewJob(ledgerRepo, collector, slog.Default(), cfg.ReconcileBatchSize)
	scheduler, err := reconcile.NewScheduler(job, cfg.ReconcileInterval, slog.Default())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      newWorkerRouter(db, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := serveUntilSignal(server)

	cancel()
	if err := scheduler.Shutdown(); err != nil {
		slog.Error("failed to stop scheduler", slog.String("error", err.Error()))
	}
	if serveErr != nil {
		return serveErr
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// newWorkerRouter はワーカー用の運用エンドポイントを構築する。
func newWorkerRouter(db handler.HealthChecker, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(slog.Default()))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler(gatherer))
	return r
}

// runReconcileOnce は突き合わせジョブを1回だけ実行する。
func runReconcileOnce(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	ledgerRepo := repository.NewPostgresLedgerRepo(db, rank.Evaluator{}, rank.Lowest(), retryPolicy(cfg), collector)
	job := reconcile.NewJob(ledgerRepo, collector, slog.Default(), cfg.ReconcileBatchSize)

	repaired, err := job.Run(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	slog.Info("reconcile completed", slog.Int("repaired_count", repaired))
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	st, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(st.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
