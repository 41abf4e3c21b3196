// Package eventlog records every accepted canonical event. The relational
// store is the system of record; the stream mirror feeds live consumers and
// is best effort.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// Appender is the durable event store.
type Appender interface {
	AppendEvent(ctx context.Context, e model.CanonicalEvent) error
	GetEvent(ctx context.Context, id string) (model.CanonicalEvent, error)
}

// Mirror republishes appended events.
type Mirror interface {
	PublishEvent(ctx context.Context, e model.CanonicalEvent) (uint64, error)
}

// Log is the append-only event log.
type Log struct {
	store  Appender
	mirror Mirror
	logger *logger.Logger
}

// New creates an event log. mirror may be nil.
func New(store Appender, mirror Mirror, log *logger.Logger) *Log {
	if log == nil {
		log = logger.NewNop()
	}
	return &Log{store: store, mirror: mirror, logger: log.Named("eventlog")}
}

// Append stores e. Appending the same event ID twice is not an error, which
// lets a retried submission proceed; a different event reusing an ID is a
// duplicate.
func (l *Log) Append(ctx context.Context, e model.CanonicalEvent) error {
	if err := l.store.AppendEvent(ctx, e); err != nil {
		if !errors.Is(err, model.ErrDuplicateEvent) {
			return fmt.Errorf("eventlog: append %s: %w", e.ID, err)
		}
		existing, getErr := l.store.GetEvent(ctx, e.ID)
		if getErr != nil {
			return fmt.Errorf("eventlog: append %s: %w", e.ID, err)
		}
		if existing.Source != e.Source || existing.Content != e.Content || existing.Type != e.Type {
			return fmt.Errorf("eventlog: append %s: %w", e.ID, err)
		}
		return nil
	}

	if l.mirror != nil {
		if _, err := l.mirror.PublishEvent(ctx, e); err != nil {
			metrics.EventLogMirrorFailures.Inc()
			l.logger.Warn("event log mirror publish failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Get loads a logged event.
func (l *Log) Get(ctx context.Context, id string) (model.CanonicalEvent, error) {
	return l.store.GetEvent(ctx, id)
}
