package adapter

import (
	"context"
	"strings"

	"github.com/capitalize-ai/concord/internal/model"
)

// Canonical accepts events already in canonical form and fills in the
// defaults a sender may have left out. The sender's source is kept.
type Canonical struct{ base }

// NewCanonical creates the pass-through adapter.
func NewCanonical(opts Options) *Canonical {
	return &Canonical{base: newBase(ChannelAPI, opts)}
}

// Normalize implements Adapter.
func (c *Canonical) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	e, err := model.DecodeEvent(raw)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	return c.Complete(e), nil
}

// Complete fills defaults on e.
func (c *Canonical) Complete(e model.CanonicalEvent) model.CanonicalEvent {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = c.opts.NewID()
	}
	if e.Source == "" {
		e.Source = c.channel
	}
	if e.ContentType == "" {
		e.ContentType = InferContentType(e.Content)
	}
	if e.Priority == "" {
		e.Priority = model.PriorityNormal
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.opts.Now().UTC()
	}
	if e.Attachments == nil {
		e.Attachments = []model.Attachment{}
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return e
}
