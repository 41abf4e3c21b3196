package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/capitalize-ai/concord/internal/channel"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskHealth reports supervised channel tasks.
type TaskHealth interface {
	Health() []channel.Health
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	deps  map[string]Pinger
	tasks TaskHealth
}

// NewHealthHandler creates a new health handler. deps maps a dependency
// name to its check; tasks may be nil.
func NewHealthHandler(deps map[string]Pinger, tasks TaskHealth) *HealthHandler {
	return &HealthHandler{deps: deps, tasks: tasks}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "healthy"}
	if h.tasks != nil {
		body["tasks"] = h.tasks.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, dep := range h.deps {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not ready",
			"failures": failures,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
