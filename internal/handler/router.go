package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ticketfront/internal/authz"
	"github.com/hitoshi/ticketfront/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionSource     middleware.StateSource
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	Sessions    SessionReader
	Sanitizer   NameSanitizer
	SignInPath  string
	Events      *EventHub

	// 認可
	Authorizer       *authz.Authorizer
	DecisionRecorder DecisionRecorder

	// バックエンド
	APIProxy      http.Handler
	AvatarFetcher ImageFetcher

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → Session → CSRF
//
// 認証操作（/signin, /signup, /signin/federated, /password-reset）にはレート制限を追加する。
// 画面はすべてauthz.Guardを通し、ルート表に載っていないパスはそのまま返す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSessionMiddleware(deps.SessionSource))

	// --- 運用エンドポイント（CSRF対象外） ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.Sessions).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

		// 認証操作
		authHandler := NewAuthHandler(deps.AuthService, deps.Sanitizer, AuthHandlerConfig{SignInPath: deps.SignInPath})
		r.Group(func(r chi.Router) {
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin/federated", authHandler.SignInFederated)
			r.Post("/password-reset", authHandler.ResetPassword)
		})
		r.Post("/signout", authHandler.SignOut)

		// セッション
		sessionHandler := NewSessionHandler(deps.Sessions, deps.Sanitizer)
		r.Get("/session", sessionHandler.Get)
		if deps.Events != nil {
			r.Get("/session/events", deps.Events.ServeHTTP)
		}

		// 認可判定
		r.Get("/authz/check", NewAuthzHandler(deps.Authorizer, deps.SignInPath, deps.DecisionRecorder).Check)

		// プロフィール画像
		if deps.AvatarFetcher != nil {
			r.Get(avatarPath, NewAvatarHandler(deps.AvatarFetcher).Get)
		}

		// バックエンドAPIの中継
		if deps.APIProxy != nil {
			r.Handle(apiPrefix+"/*", deps.APIProxy)
		}

		// 画面
		pages := NewPageHandler()
		r.Get("/signin", pages.ServeHTTP)
		r.Get("/signup", pages.ServeHTTP)
		r.With(deps.Authorizer.Guard(deps.SignInPath)).Get("/*", pages.ServeHTTP)
	})

	return r
}
