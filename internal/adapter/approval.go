package adapter

import (
	"context"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

type approvalPayload struct {
	model.SignalInput
	IdempotencyKey string     `json:"idempotency_key"`
	DecidedAt      *time.Time `json:"decided_at"`
}

// Approval normalizes approval signal input into approval events.
type Approval struct{ base }

// NewApproval creates the approval adapter.
func NewApproval(opts Options) *Approval {
	return &Approval{base: newBase(ChannelApproval, opts)}
}

// Normalize implements Adapter.
func (a *Approval) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	var p approvalPayload
	if err := decode(a.channel, raw, &p); err != nil {
		return model.CanonicalEvent{}, err
	}
	if err := p.Validate(); err != nil {
		return model.CanonicalEvent{}, err
	}
	return a.FromInput(p.SignalInput, p.IdempotencyKey, p.DecidedAt), nil
}

// FromInput builds the approval event for an already decoded signal input.
func (a *Approval) FromInput(in model.SignalInput, idempotencyKey string, decidedAt *time.Time) model.CanonicalEvent {
	e := a.newEvent(model.EventTypeApproval)
	if decidedAt != nil && !decidedAt.IsZero() {
		e.Timestamp = decidedAt.UTC()
	}
	e.UserID = in.DecidedBy
	e.Content = string(in.Decision)
	if in.Note != "" {
		e.Content += ": " + in.Note
		e.Context[model.KeyNote] = in.Note
	}
	e.Context[model.KeyWorkflowRef] = in.WorkflowRef
	e.Context[model.KeyDecision] = string(in.Decision)
	e.Context[model.KeyDecidedBy] = in.DecidedBy
	e.IdempotencyKey = idempotencyKey
	return e
}
