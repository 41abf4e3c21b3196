// Package model defines data structures for the event intake platform.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the kind of inbound trigger.
type EventType string

const (
	EventTypeChat           EventType = "chat"
	EventTypeInboundMessage EventType = "inbound_message"
	EventTypeWebhook        EventType = "webhook"
	EventTypeCommand        EventType = "command"
	EventTypeApproval       EventType = "approval"
	EventTypeSchedule       EventType = "schedule"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeChat, EventTypeInboundMessage, EventTypeWebhook,
		EventTypeCommand, EventTypeApproval, EventTypeSchedule:
		return true
	}
	return false
}

// Conversational reports whether the event is answered directly instead of
// starting a durable workflow.
func (t EventType) Conversational() bool {
	return t == EventTypeChat
}

// ContentType describes how Content should be interpreted.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeMarkup     ContentType = "markup"
	ContentTypeStructured ContentType = "structured"
)

// Priority is the relative urgency of an event.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Well-known keys carried in CanonicalEvent.Context or Metadata.
const (
	KeyWorkflowRef  = "workflow_ref"
	KeyDecision     = "decision"
	KeyDecidedBy    = "decided_by"
	KeyNote         = "note"
	KeySupersedes   = "supersedes"
	KeyWorkflowType = "workflow_type"
)

// Attachment references a file delivered alongside an event. The bytes live
// in external storage.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// CanonicalEvent is the channel-independent representation of an inbound
// trigger. It is immutable once appended to the event log.
type CanonicalEvent struct {
	ID             string         `json:"event_id"`
	Type           EventType      `json:"event_type"`
	Source         string         `json:"source"`
	SourceID       string         `json:"source_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	Content        string         `json:"content"`
	ContentType    ContentType    `json:"content_type"`
	Attachments    []Attachment   `json:"attachments"`
	Context        map[string]any `json:"context"`
	Metadata       map[string]any `json:"metadata"`
	Timestamp      time.Time      `json:"timestamp"`
	Priority       Priority       `json:"priority"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// EncodeEvent serializes an event to its wire shape.
func EncodeEvent(e CanonicalEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses the wire shape produced by EncodeEvent.
func DecodeEvent(data []byte) (CanonicalEvent, error) {
	var e CanonicalEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return CanonicalEvent{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("malformed event JSON: %v", err)}
	}
	return e, nil
}

// Lookup returns a string value from Context, falling back to Metadata.
func (e CanonicalEvent) Lookup(key string) string {
	if v, ok := e.Context[key]; ok {
		if s := stringValue(v); s != "" {
			return s
		}
	}
	if v, ok := e.Metadata[key]; ok {
		return stringValue(v)
	}
	return ""
}

// WorkflowRef returns the workflow the event refers to, if any.
func (e CanonicalEvent) WorkflowRef() string {
	return e.Lookup(KeyWorkflowRef)
}

// ReplyTarget returns the most specific address for replies on the
// originating channel.
func (e CanonicalEvent) ReplyTarget() string {
	switch {
	case e.SessionID != "":
		return e.SessionID
	case e.ThreadID != "":
		return e.ThreadID
	case e.SourceID != "":
		return e.SourceID
	default:
		return e.UserID
	}
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
