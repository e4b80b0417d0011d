package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mashvarat/legalchat/internal/conversation"
	"github.com/mashvarat/legalchat/internal/dispatch"
	"github.com/mashvarat/legalchat/internal/identity"
	"github.com/mashvarat/legalchat/internal/middleware"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/mashvarat/legalchat/internal/worker"
)

// RouterConfig carries everything the HTTP surface depends on.
type RouterConfig struct {
	Repo         store.Repository
	Conversation *conversation.Service
	Dispatch     *dispatch.Service
	Verifier     identity.Verifier

	// Optional.
	Transcriber *worker.Transcriber
	WorkerProbe worker.Pinger
	Watch       http.Handler
	RateLimiter *middleware.RateLimiter

	AllowedOrigins      []string
	MaxBodySize         int64
	FormsBearerToken    string
	FormHosts           []string
	FormDownloadTimeout time.Duration
	AccessLog           bool
}

// userKey keys the rate limiter by authenticated user.
func userKey(r *http.Request) string {
	if u := identity.UserFromContext(r.Context()); u != nil {
		return u.ID
	}
	return ""
}

// NewRouter builds the chi router with global middleware, the public
// health route and the authenticated API.
func NewRouter(cfg RouterConfig) chi.Router {
	base := NewHandler(cfg.Repo, cfg.Conversation, cfg.MaxBodySize)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if cfg.AccessLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	NewHealthHandler(base, cfg.WorkerProbe).RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.Repo, cfg.Verifier))

		var limits []func(http.Handler) http.Handler
		if cfg.RateLimiter != nil {
			limits = append(limits, cfg.RateLimiter.Limit(userKey))
		}
		NewQueryHandler(base, cfg.Dispatch).RegisterRoutes(r, limits...)
		NewCheckHandler(base).RegisterRoutes(r)
		NewSessionHandler(base).RegisterRoutes(r)
		NewChatHandler(base).RegisterRoutes(r)
		NewProxyHandler(base, cfg.FormsBearerToken, cfg.FormHosts, cfg.FormDownloadTimeout, cfg.Transcriber).RegisterRoutes(r)

		if cfg.Watch != nil {
			r.Get("/ws/check", cfg.Watch.ServeHTTP)
		}
	})

	return r
}
