package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/progression/internal/middleware"
)

// HealthChecker はDB接続の疎通確認インターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	HTTPStatuses       middleware.HTTPStatusRecorder
	CORSAllowedOrigins []string
	GatewayToken       string
	RateLimiter        *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 進捗
	OnboardingService OnboardingServiceInterface
	MissionService    MissionServiceInterface
	ProgressService   ProgressServiceInterface
	BadgeService      BadgeServiceInterface

	// 管理者
	AdminService AdminServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → GatewayAuth → RateLimit(General)
//
// 状態を変更するエンドポイントには更新系のレート制限を追加する。
// /health と /metrics はゲートウェイ認証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.HTTPStatuses))

	onboardingHandler := NewOnboardingHandler(deps.OnboardingService)
	missionHandler := NewMissionHandler(deps.MissionService)
	progressHandler := NewProgressHandler(deps.MissionService, deps.ProgressService, deps.BadgeService)
	adminHandler := NewAdminHandler(deps.AdminService)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- ゲートウェイ認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewGatewayAuthMiddleware(deps.GatewayToken))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		mutation := deps.RateLimiter.MutationMiddleware()

		r.Route("/api/onboarding", func(r chi.Router) {
			r.Get("/", onboardingHandler.GetState)
			r.With(mutation).Post("/steps/{step}", onboardingHandler.CompleteStep)
		})

		r.Route("/api/missions", func(r chi.Router) {
			r.With(mutation).Post("/", missionHandler.Create)
			r.With(mutation).Post("/{id}/toggle", missionHandler.Toggle)
			r.With(mutation).Put("/{id}/completion", missionHandler.SetCompletion)
		})

		r.Get("/api/progress", progressHandler.GetProgress)
		r.Get("/api/badges", progressHandler.ListBadges)

		// 管理者
		r.Route("/api/admin/users/{id}", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Get("/ledger", adminHandler.GetLedger)
			r.Get("/badges", adminHandler.GetBadges)
			r.With(mutation).Post("/adjustments", adminHandler.CreateAdjustment)
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認し、200または503を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
