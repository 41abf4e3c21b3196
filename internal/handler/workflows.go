package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/middleware"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// Workflows is the orchestrator surface exposed over HTTP.
type Workflows interface {
	Get(ctx context.Context, id string) (*model.WorkflowInstance, error)
	Signals(ctx context.Context, id string) ([]model.ApprovalSignal, error)
	Cancel(ctx context.Context, id, reason string) (*model.WorkflowInstance, error)
}

// WorkflowHandler handles workflow inspection and cancellation.
type WorkflowHandler struct {
	workflows Workflows
	logger    *logger.Logger
}

// NewWorkflowHandler creates a new workflow handler.
func NewWorkflowHandler(workflows Workflows, log *logger.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, logger: log}
}

// WorkflowResponse is a workflow instance with its received signals.
type WorkflowResponse struct {
	*model.WorkflowInstance
	Signals []model.ApprovalSignal `json:"signals"`
}

// CancelRequest is the body of a cancel request.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Get handles GET /api/v1/workflows/{id}
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("workflow", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inst, err := h.workflows.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	signals, err := h.workflows.Signals(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if signals == nil {
		signals = []model.ApprovalSignal{}
	}
	writeJSON(w, http.StatusOK, WorkflowResponse{WorkflowInstance: inst, Signals: signals})
}

// Cancel handles POST /api/v1/workflows/{id}/cancel
func (h *WorkflowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("workflow", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + middleware.GetUserID(r.Context())
	}

	inst, err := h.workflows.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.logger.Info("workflow cancelled via API",
		zap.String("workflow_id", id),
		zap.String("user_id", middleware.GetUserID(r.Context())),
	)
	writeJSON(w, http.StatusOK, inst)
}
