package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/natilou/wallabag-kindle-consumer/internal/middleware"
	"github.com/natilou/wallabag-kindle-consumer/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	RateLimiter   *middleware.RateLimiter

	// ユーザー
	UserService UserServiceInterface
	Tags        []model.Tag

	// MetricsHandler がnilの場合は/metricsを公開しない。
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders
//
// ユーザー登録系のPOSTにはさらにIP単位のレート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	userHandler := NewUserHandler(deps.UserService)

	r.Get("/health", HealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Get("/api/tags", TagsHandler(deps.Tags))

	// ユーザー管理
	r.Route("/api/users", func(r chi.Router) {
		r.Use(deps.RateLimiter.RegistrationMiddleware())

		r.Post("/", userHandler.Register)
		r.Post("/update", userHandler.Update)
		r.Post("/delete", userHandler.Delete)
	})

	return r
}
