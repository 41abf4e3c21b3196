package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
	natsclient "github.com/capitalize-ai/concord/internal/nats"
)

// Notification kinds.
const (
	NotifyStarted    = "started"
	NotifySuspended  = "suspended"
	NotifyResumed    = "resumed"
	NotifyCompleted  = "completed"
	NotifyRejected   = "rejected"
	NotifyFailed     = "failed"
	NotifyCancelled  = "cancelled"
	NotifyReminder   = "reminder"
	NotifyTimeout    = "timeout"
	NotifyStepFailed = "step_failed"
	NotifyNotice     = "notice"
)

// Notification is published for lifecycle changes and escalations.
type Notification struct {
	Kind         string               `json:"kind"`
	WorkflowID   string               `json:"workflow_id"`
	WorkflowType string               `json:"workflow_type"`
	Status       model.WorkflowStatus `json:"status"`
	EventID      string               `json:"event_id"`
	Step         string               `json:"step,omitempty"`
	Message      string               `json:"message,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
	At           time.Time            `json:"at"`
}

// Notifier delivers notifications to operators and downstream systems.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher publishes JSON payloads. *nats.StreamManager satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) (uint64, error)
}

// StreamNotifier publishes on workflow.<type>.<kind>.
type StreamNotifier struct {
	publisher Publisher
}

// NewStreamNotifier creates a notifier over publisher.
func NewStreamNotifier(publisher Publisher) *StreamNotifier {
	return &StreamNotifier{publisher: publisher}
}

// Notify implements Notifier.
func (s *StreamNotifier) Notify(ctx context.Context, n Notification) error {
	_, err := s.publisher.Publish(ctx, natsclient.WorkflowSubject(n.WorkflowType, n.Kind), n)
	return err
}

// NopNotifier drops notifications.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// MemoryNotifier keeps notifications in memory.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify implements Notifier.
func (m *MemoryNotifier) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// Sent returns the notifications of the given kinds, or all when none given.
func (m *MemoryNotifier) Sent(kinds ...string) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(kinds) == 0 {
		return append([]Notification(nil), m.sent...)
	}
	var out []Notification
	for _, n := range m.sent {
		for _, k := range kinds {
			if n.Kind == k {
				out = append(out, n)
				break
			}
		}
	}
	return out
}
