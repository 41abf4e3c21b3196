package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
)

const (
	// StreamName is the JetStream stream mirroring the event log, workflow
	// notifications and channel replies.
	StreamName = "CONCORD"

	// Subject roots.
	EventsPrefix   = "events"
	WorkflowPrefix = "workflow"
	RepliesPrefix  = "replies"
	IngestPrefix   = "ingest"

	// IngestQueue is the queue group shared by ingest subscribers.
	IngestQueue = "concord-ingest"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream creates the stream if it does not exist.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name: StreamName,
		Subjects: []string{
			EventsPrefix + ".>",
			WorkflowPrefix + ".>",
			RepliesPrefix + ".>",
		},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    20 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  10 * time.Minute,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Canonical events, workflow notifications and channel replies",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// EventSubject returns the subject an event is mirrored on.
func EventSubject(source string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", EventsPrefix, Token(source), Token(string(eventType)))
}

// WorkflowSubject returns the subject for a workflow notification.
func WorkflowSubject(workflowType, kind string) string {
	return fmt.Sprintf("%s.%s.%s", WorkflowPrefix, Token(workflowType), Token(kind))
}

// ReplySubject returns the subject a reply to target on channel is sent to.
func ReplySubject(channel, target string) string {
	return fmt.Sprintf("%s.%s.%s", RepliesPrefix, Token(channel), Token(target))
}

// IngestSubject returns the subject raw payloads for channel arrive on.
func IngestSubject(channel string) string {
	return fmt.Sprintf("%s.%s", IngestPrefix, Token(channel))
}

// PublishEvent mirrors a canonical event. The event ID is used as the
// JetStream message ID so retried publishes are deduplicated by the server.
func (m *StreamManager) PublishEvent(ctx context.Context, event model.CanonicalEvent) (uint64, error) {
	data, err := model.EncodeEvent(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.Source, event.Type), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}
	return ack.Sequence, nil
}

// Publish publishes v as JSON on subject.
func (m *StreamManager) Publish(ctx context.Context, subject string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// ReadEvents returns up to limit mirrored events after afterSequence. The
// returned sequence is the last one read, and hasMore is true when the batch
// was full.
func (m *StreamManager) ReadEvents(ctx context.Context, afterSequence uint64, limit int) ([]model.LoggedEvent, uint64, bool, error) {
	if limit <= 0 {
		limit = 50
	}

	consumerConfig := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{EventsPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, afterSequence, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, afterSequence, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var (
		events       []model.LoggedEvent
		lastSequence = afterSequence
	)
	for msg := range batch.Messages() {
		if ctx.Err() != nil {
			break
		}
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		lastSequence = meta.Sequence.Stream

		event, err := model.DecodeEvent(msg.Data())
		if err != nil {
			continue
		}
		events = append(events, model.LoggedEvent{Event: event, Sequence: meta.Sequence.Stream})
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
		return nil, afterSequence, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}

// SubscribeIngest delivers raw payloads published on ingest.<channel> to fn.
// Subscribers share a queue group so each payload is handled once. fn runs on
// the subscription goroutine and may hand the work off; respond sends the
// reply when the message carries a reply subject and may be called from any
// goroutine.
func (m *StreamManager) SubscribeIngest(fn func(channel string, payload []byte, respond func([]byte))) (*nats.Subscription, error) {
	log := m.client.logger
	return m.client.Conn().QueueSubscribe(IngestPrefix+".*", IngestQueue, func(msg *nats.Msg) {
		channel := strings.TrimPrefix(msg.Subject, IngestPrefix+".")
		fn(channel, msg.Data, func(reply []byte) {
			if msg.Reply == "" || reply == nil {
				return
			}
			if err := msg.Respond(reply); err != nil {
				log.Warn("failed to respond to ingest request",
					zap.String("channel", channel),
					zap.String("reply_subject", msg.Reply),
					zap.Error(err))
			}
		})
	})
}
