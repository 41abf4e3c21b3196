package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

// Tick is emitted by the cron task for each fired schedule.
type Tick struct {
	Name         string    `json:"name"`
	FiredAt      time.Time `json:"fired_at"`
	Content      string    `json:"content"`
	WorkflowType string    `json:"workflow_type,omitempty"`
}

// Schedule normalizes cron ticks into schedule events. Each tick gets an
// idempotency key derived from its name and firing time so that replicas
// firing the same schedule start one workflow.
type Schedule struct{ base }

// NewSchedule creates the schedule adapter.
func NewSchedule(opts Options) *Schedule {
	return &Schedule{base: newBase(ChannelSchedule, opts)}
}

// Normalize implements Adapter.
func (s *Schedule) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	var t Tick
	if err := decode(s.channel, raw, &t); err != nil {
		return model.CanonicalEvent{}, err
	}
	if strings.TrimSpace(t.Name) == "" {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "name", Reason: "is required"}
	}

	e := s.newEvent(model.EventTypeSchedule)
	if !t.FiredAt.IsZero() {
		e.Timestamp = t.FiredAt.UTC()
	}
	e.SourceID = t.Name
	e.UserID = "scheduler"
	e.Content = t.Content
	if e.Content == "" {
		e.Content = "scheduled: " + t.Name
	}
	e.ContentType = InferContentType(e.Content)
	e.Context["schedule"] = t.Name
	if t.WorkflowType != "" {
		e.Metadata[model.KeyWorkflowType] = t.WorkflowType
	}
	e.IdempotencyKey = fmt.Sprintf("%s:%s:%d", s.channel, t.Name, e.Timestamp.Truncate(time.Second).Unix())
	return e, nil
}
