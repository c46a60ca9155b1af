package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/maidconnect/internal/guard"
	"github.com/hitoshi/maidconnect/internal/metrics"
	"github.com/hitoshi/maidconnect/internal/middleware"
	"github.com/hitoshi/maidconnect/internal/model"
)

// PanicMiddleware はpanicを外部サービスへ報告するミドルウェアを提供する。errreport.Reporterが実装する。
type PanicMiddleware interface {
	Middleware() func(http.Handler) http.Handler
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	StateResolver      middleware.StateResolver
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	CSRFConfig         middleware.CSRFConfig
	SecurityHeaders    middleware.SecurityHeadersConfig
	Reporter           PanicMiddleware
	StatusCounter      middleware.StatusCounter
	Gatherer           prometheus.Gatherer
	HealthChecker      HealthChecker

	// 認証
	AuthService AuthServiceInterface
	Profiles    ProfileReader
	States      StateSubscriber
	AuthConfig  AuthHandlerConfig

	AppEnv string
	// EnableDebug がtrueの場合のみ/debug/authを公開する。本番環境ではfalseにする。
	EnableDebug bool
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Reporter → RequestID → Logging → Metrics → SecurityHeaders → CORS → Session
//
// 状態を変更するPOSTにはCSRF検証を、認証エンドポイントにはIP単位のレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Reporter != nil {
		r.Use(deps.Reporter.Middleware())
	}
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.StatusCounter != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusCounter))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.SecurityHeaders))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins...))

	// --- セッション不要のルート ---
	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Profiles, deps.States, deps.AuthConfig)
	pageHandler := NewPageHandler(deps.Profiles)

	// --- セッションを解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.StateResolver, middleware.DefaultResolveTimeout))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

		r.Route("/auth", func(r chi.Router) {
			// OAuthフロー（ブラウザのトップレベル遷移のためCSRF検証の対象外）
			r.With(deps.RateLimiter.AuthMiddleware()).Get("/{provider}/login", authHandler.OAuthLogin)
			r.Get("/callback", authHandler.Callback)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireSession())
				r.Get("/me", authHandler.Me)
				r.Get("/events", authHandler.Events)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

				r.Group(func(r chi.Router) {
					r.Use(deps.RateLimiter.AuthMiddleware())
					r.Post("/signup", authHandler.SignUp)
					r.Post("/signin", authHandler.SignIn)
					r.Post("/password/forgot", authHandler.ForgotPassword)
				})

				r.Group(func(r chi.Router) {
					r.Use(deps.RateLimiter.GeneralMiddleware())
					r.Post("/signout", authHandler.SignOut)
					r.Post("/refresh", authHandler.Refresh)
					r.With(middleware.RequireSession()).Post("/password/reset", authHandler.ResetPassword)
				})
			})
		})

		// --- ルートガード配下のページ ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.With(guard.Middleware(middleware.SnapshotFromRequest, model.RoleEmployer)).
				Get(model.RoleEmployer.DashboardPath(), pageHandler.Dashboard)
			r.With(guard.Middleware(middleware.SnapshotFromRequest, model.RoleMaid)).
				Get(model.RoleMaid.DashboardPath(), pageHandler.Dashboard)
			r.With(guard.Middleware(middleware.SnapshotFromRequest)).
				Get("/reset-password", pageHandler.ResetPasswordPage)
		})

		if deps.EnableDebug {
			r.Get("/debug/auth", DebugHandler(deps.AppEnv))
		}
	})

	return r
}
