package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/ashureev/shsh-chat/internal/store"
	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// AgentChecker reports agent backend health and run counters.
type AgentChecker interface {
	Health(ctx context.Context) error
	GetStats() agent.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	agent   AgentChecker
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. agent may be nil.
func NewHealthHandler(repo store.Repository, agent AgentChecker, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{repo: repo, agent: agent, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.agent != nil {
		if err := h.agent.Health(ctx); err != nil {
			slog.Error("Health check failed", "check", "agent", "error", err)
			status["status"] = "degraded"
			checks["agent"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["agent"] = "ok"
		}
		status["agent_stats"] = h.agent.GetStats()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
