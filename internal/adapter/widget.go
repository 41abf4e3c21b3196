package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

// widgetPayload is what the embedded chat widget posts.
type widgetPayload struct {
	MessageID      string             `json:"message_id"`
	SessionID      string             `json:"session_id"`
	VisitorID      string             `json:"visitor_id"`
	UserID         string             `json:"user_id"`
	Message        string             `json:"message"`
	Attachments    []model.Attachment `json:"attachments"`
	Page           string             `json:"page"`
	Locale         string             `json:"locale"`
	Metadata       map[string]any     `json:"metadata"`
	SentAt         *time.Time         `json:"sent_at"`
	IdempotencyKey string             `json:"idempotency_key"`
}

// Widget normalizes chat widget messages into chat events.
type Widget struct{ base }

// NewWidget creates the widget adapter.
func NewWidget(opts Options) *Widget {
	return &Widget{base: newBase(ChannelWidget, opts)}
}

// Normalize implements Adapter.
func (w *Widget) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	var p widgetPayload
	if err := decode(w.channel, raw, &p); err != nil {
		return model.CanonicalEvent{}, err
	}
	if strings.TrimSpace(p.SessionID) == "" {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "session_id", Reason: "is required"}
	}

	e := w.newEvent(model.EventTypeChat)
	e.SessionID = p.SessionID
	e.SourceID = p.MessageID
	e.UserID = p.UserID
	if e.UserID == "" {
		e.UserID = p.VisitorID
	}
	e.Content = p.Message
	e.ContentType = InferContentType(p.Message)
	if p.Attachments != nil {
		e.Attachments = p.Attachments
	}
	if p.SentAt != nil && !p.SentAt.IsZero() {
		e.Timestamp = p.SentAt.UTC()
	}
	if p.Page != "" {
		e.Context["page"] = p.Page
	}
	if p.Locale != "" {
		e.Context["locale"] = p.Locale
	}
	copyMap(e.Metadata, p.Metadata)

	switch {
	case p.IdempotencyKey != "":
		e.IdempotencyKey = p.IdempotencyKey
	case p.MessageID != "":
		e.IdempotencyKey = w.channel + ":" + p.SessionID + ":" + p.MessageID
	}
	return e, nil
}
