package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// DefaultHealthTimeout bounds dependency checks.
const DefaultHealthTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GeneratorHealth reports whether the generator is serving.
type GeneratorHealth interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    Pinger
	gen     GeneratorHealth
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. gen may be nil.
func NewHealthHandler(repo Pinger, gen GeneratorHealth, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &HealthHandler{repo: repo, gen: gen, timeout: timeout}
}

// Health returns the health status of the API and its dependencies. The
// generator is optional, so its failure degrades status without failing the
// check.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "unhealthy"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.gen != nil {
		if err := h.gen.Health(ctx); err != nil {
			slog.Warn("Generator health check failed", "error", err)
			checks["generator"] = "unavailable"
			if statusCode == http.StatusOK {
				status["status"] = "degraded"
			}
		} else {
			checks["generator"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
