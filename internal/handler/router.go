package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bankdash/internal/metrics"
	"github.com/hitoshi/bankdash/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler
	HealthCheckers    map[string]HealthChecker

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 銀行連携
	BankLinkService BankLinkServiceInterface

	// ダッシュボード
	DashboardService DashboardServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Tracing → Metrics → Logging → CORS → Session
//
// 状態変更リクエストにはCSRF検証、/api/* にはログイン必須ミドルウェアを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewTracingMiddleware("bankdash"))
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSessionMiddleware(deps.AuthConfig.CookieName))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	bankHandler := NewBankHandler(deps.BankLinkService)
	dashboardHandler := NewDashboardHandler(deps.DashboardService)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthCheckers))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// 認証ルート（サインアップ・サインインはIPごとのレート制限を適用）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-up", authHandler.SignUp)
			r.With(deps.RateLimiter.AuthMiddleware()).Post("/sign-in", authHandler.SignIn)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})

		// --- ログインが必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRequireUserMiddleware(deps.AuthService))

			r.Route("/api/bank", func(r chi.Router) {
				r.With(deps.RateLimiter.LinkTokenMiddleware()).Post("/link-token", bankHandler.CreateLinkToken)
				r.Post("/exchange", bankHandler.Exchange)

				r.Route("/link-flows/{id}", func(r chi.Router) {
					r.Get("/", bankHandler.GetFlow)
					r.Post("/events", bankHandler.RecordEvent)
				})

				r.Get("/items", bankHandler.ListItems)
				r.Delete("/items/{id}", bankHandler.RemoveItem)
			})

			r.Get("/api/dashboard", dashboardHandler.Overview)
			r.Get("/api/transactions", dashboardHandler.Transactions)
		})
	})

	return r
}
