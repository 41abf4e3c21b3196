// Package dispatcher takes canonical events from any channel through
// validation, deduplication, logging and classification, then hands them to
// the workflow orchestrator.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/classifier"
	"github.com/capitalize-ai/concord/internal/idempotency"
	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/internal/service"
	"github.com/capitalize-ai/concord/internal/workflow"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// EventLog is the append-only event store.
type EventLog interface {
	Append(ctx context.Context, e model.CanonicalEvent) error
}

// Outcomes persists outcome versions.
type Outcomes interface {
	AppendOutcome(ctx context.Context, o model.EventOutcome) (model.EventOutcome, error)
}

// Workflows is the orchestrator surface used by the dispatcher.
type Workflows interface {
	Start(ctx context.Context, workflowType string, event model.CanonicalEvent, state map[string]any) (*model.WorkflowInstance, error)
	Signal(ctx context.Context, sig model.ApprovalSignal) (workflow.SignalResult, error)
	Cancel(ctx context.Context, id, reason string) (*model.WorkflowInstance, error)
	Registry() *workflow.Registry
}

// ChatResponder generates direct replies to chat events.
type ChatResponder interface {
	Reply(ctx context.Context, event model.CanonicalEvent) (*llm.CompletionResponse, error)
}

// Deps are the dispatcher's collaborators. Chat is optional; without it chat
// events are routed like any other event.
type Deps struct {
	Adapters   *adapter.Registry
	Guard      *idempotency.Guard
	Log        EventLog
	Outcomes   Outcomes
	Classifier classifier.Classifier
	Router     *Router
	Workflows  Workflows
	Chat       ChatResponder
	Logger     *logger.Logger
}

// Dispatcher processes canonical events.
type Dispatcher struct {
	adapters   *adapter.Registry
	guard      *idempotency.Guard
	log        EventLog
	outcomes   Outcomes
	classifier classifier.Classifier
	router     *Router
	workflows  Workflows
	chat       ChatResponder
	logger     *logger.Logger
}

// New creates a dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Adapters == nil:
		return nil, errors.New("dispatcher: adapters are required")
	case deps.Guard == nil:
		return nil, errors.New("dispatcher: idempotency guard is required")
	case deps.Log == nil:
		return nil, errors.New("dispatcher: event log is required")
	case deps.Outcomes == nil:
		return nil, errors.New("dispatcher: outcome store is required")
	case deps.Classifier == nil:
		return nil, errors.New("dispatcher: classifier is required")
	case deps.Workflows == nil:
		return nil, errors.New("dispatcher: workflows are required")
	}
	if deps.Router == nil {
		deps.Router = NewRouter(nil, DefaultThreshold, workflow.TypeManualReview)
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Dispatcher{
		adapters:   deps.Adapters,
		guard:      deps.Guard,
		log:        deps.Log,
		outcomes:   deps.Outcomes,
		classifier: deps.Classifier,
		router:     deps.Router,
		workflows:  deps.Workflows,
		chat:       deps.Chat,
		logger:     deps.Logger.Named("dispatcher"),
	}, nil
}

// Ingest normalizes a raw channel payload and submits it.
func (d *Dispatcher) Ingest(ctx context.Context, channel string, raw []byte) (model.EventOutcome, error) {
	event, err := d.adapters.Normalize(ctx, channel, raw)
	if err != nil {
		metrics.RecordIngest(channel, "unknown", "invalid")
		return model.EventOutcome{}, err
	}
	return d.Submit(ctx, event)
}

// Submit processes a canonical event. A repeated idempotency key returns
// the earlier result without side effects.
func (d *Dispatcher) Submit(ctx context.Context, e model.CanonicalEvent) (model.EventOutcome, error) {
	log := d.logger.WithEvent(e.ID, string(e.Type), e.Source)

	if err := model.ValidateEvent(e); err != nil {
		metrics.RecordIngest(e.Source, string(e.Type), "invalid")
		return model.EventOutcome{}, err
	}

	res, err := d.guard.Reserve(ctx, e.IdempotencyKey, e.ID)
	if err != nil {
		metrics.RecordIngest(e.Source, string(e.Type), "error")
		return model.EventOutcome{}, fmt.Errorf("dispatcher: reserve %q: %w", e.IdempotencyKey, err)
	}
	switch res.Status {
	case idempotency.Committed:
		metrics.RecordIngest(e.Source, string(e.Type), "duplicate")
		log.Info("duplicate event", zap.String("idempotency_key", e.IdempotencyKey), zap.String("original_event_id", res.OwnerEventID))
		out := model.EventOutcome{EventID: res.OwnerEventID, Status: model.OutcomeAccepted, Message: model.MessageDuplicate}
		if res.Outcome != nil {
			out.EventID = res.Outcome.EventID
			out.WorkflowRef = res.Outcome.WorkflowRef
		}
		return out, nil
	case idempotency.InFlight:
		metrics.RecordIngest(e.Source, string(e.Type), "in_flight")
		log.Info("event already in flight", zap.String("idempotency_key", e.IdempotencyKey), zap.String("original_event_id", res.OwnerEventID))
		return model.EventOutcome{EventID: res.OwnerEventID, Status: model.OutcomeProcessing, Message: model.MessageDuplicate}, nil
	}

	outcome, err := d.process(ctx, e, res, log)
	if errors.Is(err, model.ErrLeaseLost) {
		metrics.RecordIngest(e.Source, string(e.Type), "in_flight")
		log.Warn("idempotency claim lost before side effects, deferring to new owner",
			zap.String("idempotency_key", e.IdempotencyKey),
		)
		return model.EventOutcome{EventID: e.ID, Status: model.OutcomeProcessing, Message: model.MessageDuplicate}, nil
	}
	if err != nil {
		if aerr := res.Abort(context.WithoutCancel(ctx)); aerr != nil {
			log.Error("failed to release idempotency key", zap.Error(aerr))
		}
		metrics.RecordIngest(e.Source, string(e.Type), "error")
		log.Error("event processing failed", zap.Error(err))
		return model.EventOutcome{}, err
	}

	if err := res.Commit(context.WithoutCancel(ctx), outcome); err != nil {
		log.Error("failed to commit idempotency key",
			zap.String("idempotency_key", e.IdempotencyKey),
			zap.Bool("lease_lost", errors.Is(err, model.ErrLeaseLost)),
			zap.Error(err),
		)
	}
	metrics.RecordIngest(e.Source, string(e.Type), "accepted")
	return outcome, nil
}

func (d *Dispatcher) process(ctx context.Context, e model.CanonicalEvent, res *idempotency.Reservation, log *logger.Logger) (model.EventOutcome, error) {
	if err := d.log.Append(ctx, e); err != nil {
		return model.EventOutcome{}, fmt.Errorf("dispatcher: log event: %w", err)
	}
	if _, err := d.outcomes.AppendOutcome(ctx, model.EventOutcome{EventID: e.ID, Status: model.OutcomeAccepted}); err != nil {
		return model.EventOutcome{}, fmt.Errorf("dispatcher: record accepted: %w", err)
	}

	if e.Type == model.EventTypeApproval {
		return d.signal(ctx, e, log)
	}

	decision, route := d.classify(ctx, e, log)

	// Classification can be slow; re-check the claim before any side effect.
	if res.Lost() {
		return model.EventOutcome{}, fmt.Errorf("dispatcher: %w", model.ErrLeaseLost)
	}

	if e.Type.Conversational() && d.chat != nil && route.Reason != ReasonOverride {
		return d.reply(ctx, e, decision, log)
	}

	if ref := e.Lookup(model.KeySupersedes); ref != "" {
		d.supersede(ctx, ref, e, log)
	}

	inst, err := d.workflows.Start(ctx, route.WorkflowType, e, map[string]any{
		"intent":       decision.Label,
		"confidence":   decision.Confidence,
		"route_reason": route.Reason,
	})
	if err != nil {
		return model.EventOutcome{}, fmt.Errorf("dispatcher: start %s: %w", route.WorkflowType, err)
	}
	log.Info("workflow started",
		zap.String("workflow_id", inst.ID),
		zap.String("workflow_type", inst.Type),
		zap.String("intent", decision.Label),
		zap.String("route_reason", route.Reason),
	)
	return workflow.StartedOutcome(inst), nil
}

// classify never fails: errors fall back to the router's fallback type.
func (d *Dispatcher) classify(ctx context.Context, e model.CanonicalEvent, log *logger.Logger) (classifier.Decision, Route) {
	if override := e.Lookup(model.KeyWorkflowType); override != "" {
		if d.workflows.Registry().Has(override) {
			route := d.router.Override(override)
			d.observeRoute(classifier.Decision{Label: override, Confidence: 1}, route)
			return classifier.Decision{Label: override, Confidence: 1, Reasoning: "workflow type set by sender"}, route
		}
		log.Warn("ignoring unknown workflow type override", zap.String("workflow_type", override))
	}

	ctx = llm.WithCaller(ctx, llm.Caller{Type: llm.CallerClassifier, Name: "intent", UserID: e.UserID})
	decision, err := d.classifier.Classify(ctx, e)
	if err != nil {
		log.Warn("classification failed, routing to fallback",
			zap.String("fallback", d.router.Fallback()),
			zap.Error(err),
		)
		route := d.router.Failed()
		d.observeRoute(classifier.Decision{Label: "error"}, route)
		return classifier.Decision{Label: "unknown"}, route
	}

	route := d.router.Route(decision)
	if !d.workflows.Registry().Has(route.WorkflowType) {
		log.Warn("route points to unregistered workflow type", zap.String("workflow_type", route.WorkflowType))
		route = Route{WorkflowType: d.router.Fallback(), Reason: ReasonUnmapped, Fallback: true}
	}
	d.observeRoute(decision, route)
	log.Debug("event classified",
		zap.String("label", decision.Label),
		zap.Float64("confidence", decision.Confidence),
		zap.String("workflow_type", route.WorkflowType),
		zap.String("route_reason", route.Reason),
	)
	return decision, route
}

func (d *Dispatcher) observeRoute(decision classifier.Decision, route Route) {
	metrics.ClassificationsTotal.WithLabelValues(decision.Label, route.WorkflowType, strconv.FormatBool(route.Fallback)).Inc()
}

func (d *Dispatcher) signal(ctx context.Context, e model.CanonicalEvent, log *logger.Logger) (model.EventOutcome, error) {
	sig, err := model.SignalFromEvent(e)
	if err != nil {
		return model.EventOutcome{}, err
	}
	result, err := d.workflows.Signal(ctx, sig)
	switch {
	case errors.Is(err, model.ErrNotFound):
		log.Info("approval for unknown workflow", zap.String("workflow_ref", sig.WorkflowID))
		return d.final(ctx, model.EventOutcome{
			EventID:     e.ID,
			Status:      model.OutcomeFailed,
			Message:     "workflow not found",
			WorkflowRef: sig.WorkflowID,
			Data:        map[string]any{"reason": model.IgnoredUnknownWorkflow},
		})
	case err != nil:
		return model.EventOutcome{}, fmt.Errorf("dispatcher: signal %s: %w", sig.WorkflowID, err)
	}

	out := model.EventOutcome{
		EventID:     e.ID,
		Status:      model.OutcomeCompleted,
		WorkflowRef: sig.WorkflowID,
		Data: map[string]any{
			"signal_id":       result.Signal.ID,
			"decision":        string(sig.Decision),
			"disposition":     string(result.Signal.Disposition),
			"workflow_status": string(result.Status),
		},
	}
	if result.Applied {
		out.Message = "signal applied"
	} else {
		out.Message = "signal ignored: " + result.Signal.Reason
		out.Data["reason"] = result.Signal.Reason
	}
	return d.final(ctx, out)
}

// reply answers a conversational event directly. Model and delivery
// failures are recorded as a failed outcome rather than returned.
func (d *Dispatcher) reply(ctx context.Context, e model.CanonicalEvent, decision classifier.Decision, log *logger.Logger) (model.EventOutcome, error) {
	resp, err := d.chat.Reply(ctx, e)
	if err != nil {
		log.Warn("chat reply failed", zap.Error(err))
		return d.final(ctx, replyUnavailable(e, decision, ReasonModelUnavailable))
	}
	if err := d.adapters.Respond(ctx, e, adapter.Response{Status: model.OutcomeCompleted, Text: resp.Content}); err != nil {
		log.Warn("chat reply delivery failed", zap.Error(err))
		out := replyUnavailable(e, decision, ReasonDeliveryFailed)
		// Not under service.ReplyKey: the sender never saw it, so it is not history.
		out.Data["undelivered_reply"] = resp.Content
		return d.final(ctx, out)
	}
	log.Info("chat reply sent", zap.String("model", resp.Model), zap.String("intent", decision.Label))
	return d.final(ctx, model.EventOutcome{
		EventID: e.ID,
		Status:  model.OutcomeCompleted,
		Message: "replied",
		Data: map[string]any{
			service.ReplyKey: resp.Content,
			"intent":         decision.Label,
		},
	})
}

// Reasons reported on a failed chat reply outcome.
const (
	ReasonModelUnavailable = "model_unavailable"
	ReasonDeliveryFailed   = "delivery_failed"
)

// MessageReplyUnavailable is reported when a chat event could not be answered.
const MessageReplyUnavailable = "reply unavailable"

func replyUnavailable(e model.CanonicalEvent, decision classifier.Decision, reason string) model.EventOutcome {
	return model.EventOutcome{
		EventID: e.ID,
		Status:  model.OutcomeFailed,
		Message: MessageReplyUnavailable,
		Data: map[string]any{
			"reason": reason,
			"intent": decision.Label,
		},
	}
}

// supersede cancels the workflow an event replaces. Failures are logged;
// the new event proceeds regardless.
func (d *Dispatcher) supersede(ctx context.Context, ref string, e model.CanonicalEvent, log *logger.Logger) {
	_, err := d.workflows.Cancel(ctx, ref, "superseded by event "+e.ID)
	switch {
	case err == nil:
		log.Info("superseded workflow cancelled", zap.String("workflow_id", ref))
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidTransition):
		log.Info("superseded workflow not cancellable", zap.String("workflow_id", ref), zap.Error(err))
	default:
		log.Warn("failed to cancel superseded workflow", zap.String("workflow_id", ref), zap.Error(err))
	}
}

func (d *Dispatcher) final(ctx context.Context, o model.EventOutcome) (model.EventOutcome, error) {
	appended, err := d.outcomes.AppendOutcome(ctx, o)
	if err != nil {
		return model.EventOutcome{}, fmt.Errorf("dispatcher: record outcome: %w", err)
	}
	return appended, nil
}
