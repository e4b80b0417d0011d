package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mashvarat/legalchat/internal/worker"
)

// HealthHandler reports store and worker reachability.
type HealthHandler struct {
	*Handler
	worker worker.Pinger
}

// NewHealthHandler creates a health handler. w may be nil when the worker
// transport has no probe.
func NewHealthHandler(base *Handler, w worker.Pinger) *HealthHandler {
	return &HealthHandler{Handler: base, worker: w}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health answers 200 when every dependency responds and 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if err := h.repo.Ping(ctx); err != nil {
		slog.Warn("Health check: store unreachable", "error", err)
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.worker != nil {
		checks["worker"] = "ok"
		if err := h.worker.Ping(ctx); err != nil {
			slog.Warn("Health check: worker unreachable", "error", err)
			checks["worker"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	checks["status"] = "ok"
	if status != http.StatusOK {
		checks["status"] = "degraded"
	}
	JSON(w, status, checks)
}
