package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/unitconv/internal/metrics"
	"github.com/hitoshi/unitconv/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通確認する依存先。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.TokenAuthenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	Gatherer          prometheus.Gatherer
	HealthChecker     HealthChecker

	// 認証
	AuthService AuthServiceInterface

	// テーブル
	ProfileService ProfileServiceInterface

	// RPC
	UserService UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS → (BearerAuth | RateLimit)
//
// サインアップとトークン発行は認証不要で、クライアントIPごとのレート制限のみ適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	restHandler := NewRestHandler(deps.ProfileService)
	rpcHandler := NewRPCHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Route("/auth/v1", func(r chi.Router) {
		r.With(deps.RateLimiter.Middleware("signup")).Post("/signup", authHandler.SignUp)
		r.With(deps.RateLimiter.Middleware("token")).Post("/token", authHandler.Token)

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewBearerAuthMiddleware(deps.Authenticator))
			r.Post("/logout", authHandler.Logout)
			r.Get("/user", authHandler.GetUser)
			r.Put("/user", authHandler.UpdateUser)
		})
	})

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.Authenticator))

		r.Post("/rpc/{name}", rpcHandler.Call)
		r.Get("/{table}", restHandler.Select)
		r.Patch("/{table}", restHandler.Update)
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
