package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/stationops/internal/middleware"
	"github.com/hitoshi/stationops/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Sessions          SessionManager
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	HSTS              bool
	TrustProxy        bool
	RateLimiter       *middleware.RateLimiter
	Metrics           middleware.HTTPMetrics
	MetricsHandler    http.Handler

	HealthChecker HealthChecker

	AuthService AuthServiceInterface
	UserService UserServiceInterface
}

// SessionManager はルーターが必要とするトークン操作。
// auth.SessionManagerが実装する。
type SessionManager interface {
	middleware.PrincipalResolver
	SessionIssuer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RealIP（TrustProxy時） → Metrics → Logging → SecurityHeaders → CORS → CSRF → Session
//
// アクセス制御（要ログイン・要ロール）はルートグループ単位で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	if deps.Metrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	}
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 運用エンドポイント（セッション解決の外） ---
	if deps.HealthChecker != nil {
		r.Get("/health", NewHealthHandler(deps.HealthChecker))
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions)
	userHandler := NewUserHandler(deps.UserService)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// --- 認証不要のルート ---
		r.Route("/auth", func(r chi.Router) {
			r.Get("/login", authHandler.LoginPage)
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
			r.Get("/logout", authHandler.Logout)
			r.Post("/logout", authHandler.Logout)
			r.With(deps.RateLimiter.PasswordResetMiddleware()).Post("/forgot-password", authHandler.ForgotPassword)
			r.Get("/reset-password", authHandler.ResetPasswordPage)
			r.Post("/reset-password", authHandler.ResetPassword)

			// 要ログイン
			r.With(middleware.RequireAuthenticated()).Post("/change-password", authHandler.ChangePassword)
			r.With(middleware.RequireAuthenticated()).Get("/token", authHandler.Token)
		})

		r.With(middleware.RequireAuthenticated()).Get("/api/me", authHandler.Me)

		r.Route("/api/users", func(r chi.Router) {
			// 検索は全局員が利用する
			r.With(middleware.RequireAuthenticated()).Get("/search", userHandler.Search)

			// --- ユーザー管理（ボランティアコーディネーター） ---
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleVolunteerCoordinator))

				r.Get("/", userHandler.List)
				r.Post("/", userHandler.Create)
				r.Post("/send-reset", userHandler.SendResets)
				r.Post("/reindex", userHandler.Reindex)
				r.Get("/{email}", userHandler.Get)
				r.Put("/{email}", userHandler.Update)
			})
		})
	})

	return r
}
