package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

// mailMessage is a message already parsed by the external mailbox poller.
type mailMessage struct {
	MessageID   string             `json:"message_id"`
	InReplyTo   string             `json:"in_reply_to"`
	References  []string           `json:"references"`
	From        string             `json:"from"`
	To          []string           `json:"to"`
	Cc          []string           `json:"cc"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	HTML        string             `json:"html"`
	Attachments []model.Attachment `json:"attachments"`
	ReceivedAt  *time.Time         `json:"received_at"`
	Importance  string             `json:"importance"`
}

// Mailbox normalizes polled email into inbound message events.
type Mailbox struct{ base }

// NewMailbox creates the mailbox adapter.
func NewMailbox(opts Options) *Mailbox {
	return &Mailbox{base: newBase(ChannelMailbox, opts)}
}

// Normalize implements Adapter.
func (m *Mailbox) Normalize(_ context.Context, raw []byte) (model.CanonicalEvent, error) {
	var msg mailMessage
	if err := decode(m.channel, raw, &msg); err != nil {
		return model.CanonicalEvent{}, err
	}
	if strings.TrimSpace(msg.From) == "" {
		return model.CanonicalEvent{}, &model.ValidationError{Field: "from", Reason: "is required"}
	}

	e := m.newEvent(model.EventTypeInboundMessage)
	e.UserID = strings.ToLower(strings.TrimSpace(msg.From))
	e.SourceID = strings.Trim(msg.MessageID, "<> ")
	e.ThreadID = mailThread(msg)

	body := msg.Text
	if strings.TrimSpace(body) == "" && msg.HTML != "" {
		body = msg.HTML
		e.ContentType = model.ContentTypeMarkup
	} else {
		e.ContentType = InferContentType(body)
	}
	e.Content = body
	if msg.Subject != "" {
		e.Content = msg.Subject + "\n\n" + body
		e.Context["subject"] = msg.Subject
	}
	if len(msg.To) > 0 {
		e.Context["to"] = strings.Join(msg.To, ", ")
	}
	if len(msg.Cc) > 0 {
		e.Context["cc"] = strings.Join(msg.Cc, ", ")
	}
	if msg.Attachments != nil {
		e.Attachments = msg.Attachments
	}
	if msg.ReceivedAt != nil && !msg.ReceivedAt.IsZero() {
		e.Timestamp = msg.ReceivedAt.UTC()
	}
	if strings.EqualFold(msg.Importance, "high") {
		e.Priority = model.PriorityHigh
	} else if strings.EqualFold(msg.Importance, "low") {
		e.Priority = model.PriorityLow
	}
	if e.SourceID != "" {
		e.IdempotencyKey = m.channel + ":" + e.SourceID
	}
	return e, nil
}

// mailThread returns the root message ID of the conversation msg belongs to.
func mailThread(msg mailMessage) string {
	if len(msg.References) > 0 {
		return strings.Trim(msg.References[0], "<> ")
	}
	if msg.InReplyTo != "" {
		return strings.Trim(msg.InReplyTo, "<> ")
	}
	return strings.Trim(msg.MessageID, "<> ")
}
