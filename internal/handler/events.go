package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/middleware"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// Ingester submits raw channel payloads. *dispatcher.Dispatcher satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, channel string, raw []byte) (model.EventOutcome, error)
}

// OutcomeReader reads recorded outcomes.
type OutcomeReader interface {
	LatestOutcome(ctx context.Context, eventID string) (model.EventOutcome, error)
	ListOutcomes(ctx context.Context, eventID string) ([]model.EventOutcome, error)
}

// EventHandler handles event intake endpoints.
type EventHandler struct {
	ingester Ingester
	outcomes OutcomeReader
	logger   *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(ingester Ingester, outcomes OutcomeReader, log *logger.Logger) *EventHandler {
	return &EventHandler{
		ingester: ingester,
		outcomes: outcomes,
		logger:   log,
	}
}

// Submit handles POST /api/v1/events
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, adapter.ChannelAPI)
}

// SubmitChannel handles POST /api/v1/channels/{channel}/events
func (h *EventHandler) SubmitChannel(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(chi.URLParam(r, "channel"))
	if err := middleware.ValidateChannel(channel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.ingest(w, r, channel)
}

func (h *EventHandler) ingest(w http.ResponseWriter, r *http.Request, channel string) {
	body, err := readBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx := adapter.WithHeaders(r.Context(), r.Header)
	outcome, err := h.ingester.Ingest(ctx, channel, body)
	if err != nil {
		if !model.IsValidation(err) {
			h.logger.Error("event ingest failed",
				zap.String("channel", channel),
				zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				zap.Error(err),
			)
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, outcomeStatus(outcome), outcome)
}

// Outcome handles GET /api/v1/events/{id}/outcome
// ?history=true returns every recorded version.
func (h *EventHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "id")
	if strings.TrimSpace(eventID) == "" {
		writeError(w, http.StatusBadRequest, "event ID is required")
		return
	}

	if r.URL.Query().Get("history") == "true" {
		versions, err := h.outcomes.ListOutcomes(r.Context(), eventID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if len(versions) == 0 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"event_id": eventID, "outcomes": versions})
		return
	}

	outcome, err := h.outcomes.LatestOutcome(r.Context(), eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ApprovalHandler handles approval signal input.
type ApprovalHandler struct {
	ingester Ingester
	logger   *logger.Logger
}

// NewApprovalHandler creates a new approval handler.
func NewApprovalHandler(ingester Ingester, log *logger.Logger) *ApprovalHandler {
	return &ApprovalHandler{ingester: ingester, logger: log}
}

// Submit handles POST /api/v1/approvals
// decided_by defaults to the authenticated subject.
func (h *ApprovalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeErr(w, err)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if decidedBy, _ := payload[model.KeyDecidedBy].(string); decidedBy == "" {
		if subject := middleware.GetUserID(r.Context()); subject != "" {
			payload[model.KeyDecidedBy] = subject
		}
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		payload["idempotency_key"] = key
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		writeErr(w, err)
		return
	}

	outcome, err := h.ingester.Ingest(r.Context(), adapter.ChannelApproval, raw)
	if err != nil {
		if !model.IsValidation(err) {
			h.logger.Error("approval ingest failed", zap.Error(err))
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, outcomeStatus(outcome), outcome)
}
