// Package adapter turns raw channel payloads into canonical events and sends
// replies back to the channel they came from.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
	natsclient "github.com/capitalize-ai/concord/internal/nats"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// Channel names of the built-in adapters. Each adapter stamps its channel
// into CanonicalEvent.Source.
const (
	ChannelWidget   = "widget"
	ChannelBot      = "bot"
	ChannelWebhook  = "webhook"
	ChannelMailbox  = "mailbox"
	ChannelSchedule = "schedule"
	ChannelApproval = "approval"
	ChannelAPI      = "api"
)

// Response is what the platform has to say back to the sender of an event.
type Response struct {
	Status      model.OutcomeStatus `json:"status"`
	Text        string              `json:"text"`
	WorkflowRef string              `json:"workflow_ref,omitempty"`
	Data        map[string]any      `json:"data,omitempty"`
}

// Reply is the envelope published on the reply bus for the external channel
// process to deliver.
type Reply struct {
	Channel     string              `json:"channel"`
	Target      string              `json:"target"`
	EventID     string              `json:"event_id"`
	SourceID    string              `json:"source_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Status      model.OutcomeStatus `json:"status"`
	Text        string              `json:"text"`
	WorkflowRef string              `json:"workflow_ref,omitempty"`
	Data        map[string]any      `json:"data,omitempty"`
	SentAt      time.Time           `json:"sent_at"`
}

// Adapter normalizes one channel's payloads and answers on that channel.
type Adapter interface {
	Channel() string
	Normalize(ctx context.Context, raw []byte) (model.CanonicalEvent, error)
	Respond(ctx context.Context, event model.CanonicalEvent, resp Response) error
}

// Replier publishes reply envelopes. *nats.StreamManager satisfies it.
type Replier interface {
	Publish(ctx context.Context, subject string, v any) (uint64, error)
}

// Options are shared by every adapter.
type Options struct {
	Replier Replier
	Logger  *logger.Logger
	Now     func() time.Time
	NewID   func() string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return o
}

// base carries the pieces every variant shares: identity, clock and the
// reply path.
type base struct {
	channel string
	opts    Options
}

func newBase(channel string, opts Options) base {
	opts = opts.withDefaults()
	opts.Logger = opts.Logger.Named("adapter").With(zap.String("channel", channel))
	return base{channel: channel, opts: opts}
}

func (b base) Channel() string { return b.channel }

// newEvent returns an event with every default filled in.
func (b base) newEvent(eventType model.EventType) model.CanonicalEvent {
	return model.CanonicalEvent{
		ID:          b.opts.NewID(),
		Type:        eventType,
		Source:      b.channel,
		ContentType: model.ContentTypeText,
		Attachments: []model.Attachment{},
		Context:     map[string]any{},
		Metadata:    map[string]any{},
		Timestamp:   b.opts.Now().UTC(),
		Priority:    model.PriorityNormal,
	}
}

// Respond publishes resp on replies.<channel>.<target>.
func (b base) Respond(ctx context.Context, event model.CanonicalEvent, resp Response) error {
	return publishReply(ctx, b.opts, b.channel, event, resp)
}

func publishReply(ctx context.Context, opts Options, channel string, event model.CanonicalEvent, resp Response) error {
	target := event.ReplyTarget()
	if opts.Replier == nil {
		opts.Logger.Debug("no reply bus configured, dropping reply",
			zap.String("event_id", event.ID),
			zap.String("target", target),
		)
		return nil
	}
	reply := Reply{
		Channel:     channel,
		Target:      target,
		EventID:     event.ID,
		SourceID:    event.SourceID,
		SessionID:   event.SessionID,
		ThreadID:    event.ThreadID,
		UserID:      event.UserID,
		Status:      resp.Status,
		Text:        resp.Text,
		WorkflowRef: resp.WorkflowRef,
		Data:        resp.Data,
		SentAt:      opts.Now().UTC(),
	}
	if _, err := opts.Replier.Publish(ctx, natsclient.ReplySubject(channel, target), reply); err != nil {
		return fmt.Errorf("adapter %s: reply to %s: %w", channel, event.ID, err)
	}
	return nil
}

var markupPattern = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>|^#{1,6}\s|\*\*[^*]+\*\*|\[[^\]]+\]\([^)]+\)`)

// InferContentType classifies content: JSON objects and arrays are
// structured, HTML or markdown is markup, anything else is text.
func InferContentType(content string) model.ContentType {
	trimmed := strings.TrimSpace(content)
	if trimmed != "" && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return model.ContentTypeStructured
	}
	if markupPattern.MatchString(trimmed) {
		return model.ContentTypeMarkup
	}
	return model.ContentTypeText
}

func parsePriority(s string) model.Priority {
	switch model.Priority(strings.ToLower(strings.TrimSpace(s))) {
	case model.PriorityLow:
		return model.PriorityLow
	case model.PriorityHigh, "urgent":
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}

func decode(channel string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &model.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed %s payload: %v", channel, err)}
	}
	return nil
}

func copyMap(dst map[string]any, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// Registry maps channel names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Options
}

// NewRegistry creates a registry holding adapters. Replies to events whose
// source has no adapter are published with opts.
func NewRegistry(opts Options, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), fallback: opts.withDefaults()}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Default creates a registry with every built-in channel.
func Default(opts Options) *Registry {
	return NewRegistry(opts,
		NewWidget(opts),
		NewBot(opts),
		NewWebhook(opts),
		NewMailbox(opts),
		NewSchedule(opts),
		NewApproval(opts),
		NewCanonical(opts),
	)
}

// Register adds or replaces the adapter for a.Channel().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Channel())] = a
}

// Get returns the adapter for channel.
func (r *Registry) Get(channel string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownChannel, channel)
	}
	return a, nil
}

// Channels lists registered channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Normalize runs the adapter registered for channel.
func (r *Registry) Normalize(ctx context.Context, channel string, raw []byte) (model.CanonicalEvent, error) {
	a, err := r.Get(channel)
	if err != nil {
		return model.CanonicalEvent{}, err
	}
	return a.Normalize(ctx, raw)
}

// Respond answers event through the adapter of its source channel. Events
// submitted in canonical form with an unregistered source are answered on
// that source's reply subject directly.
func (r *Registry) Respond(ctx context.Context, event model.CanonicalEvent, resp Response) error {
	if a, err := r.Get(event.Source); err == nil {
		return a.Respond(ctx, event, resp)
	}
	return publishReply(ctx, r.fallback, event.Source, event, resp)
}
