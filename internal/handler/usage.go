package handler

import (
	"context"
	"net/http"

	"github.com/capitalize-ai/concord/internal/middleware"
	"github.com/capitalize-ai/concord/internal/model"
)

// UsageReader reads model usage accounting.
type UsageReader interface {
	ListUsageCounters(ctx context.Context) ([]model.UsageCounter, error)
	ListModelCalls(ctx context.Context, modelID string, limit int) ([]model.ModelCallRecord, error)
}

// UsageHandler exposes model usage.
type UsageHandler struct {
	usage UsageReader
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(usage UsageReader) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// Counters handles GET /api/v1/usage
func (h *UsageHandler) Counters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.usage.ListUsageCounters(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if counters == nil {
		counters = []model.UsageCounter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters})
}

// Calls handles GET /api/v1/usage/calls?model_id=&limit=
func (h *UsageHandler) Calls(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("model_id")
	limit := middleware.ParseLimit(r, 50, 500)

	calls, err := h.usage.ListModelCalls(r.Context(), modelID, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if calls == nil {
		calls = []model.ModelCallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls, "model_id": modelID})
}
