package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/concord/internal/model"
)

const maxOutcomeAppendAttempts = 5

// AppendEvent stores an immutable canonical event. Appending an event whose
// ID already exists fails with model.ErrDuplicateEvent.
func (s *Store) AppendEvent(ctx context.Context, e model.CanonicalEvent) error {
	if strings.TrimSpace(e.ID) == "" {
		return &model.ValidationError{Field: "event_id", Reason: "is required"}
	}
	record, err := newEventRecord(e, s.now())
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: event %s: %w", e.ID, model.ErrDuplicateEvent)
		}
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// GetEvent loads a stored event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (model.CanonicalEvent, error) {
	record := &eventRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return model.CanonicalEvent{}, fmt.Errorf("event %q: %w", id, model.ErrNotFound)
		}
		return model.CanonicalEvent{}, err
	}
	return record.toDomain()
}

// ListSessionEvents returns up to limit events of a session that occurred
// before the given time, oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, before time.Time, limit int) ([]model.CanonicalEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []eventRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.session_id = ?", strings.TrimSpace(sessionID)).
		Where("?TableAlias.occurred_at < ?", before.UTC()).
		OrderExpr("?TableAlias.occurred_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list session events: %w", err)
	}
	out := make([]model.CanonicalEvent, len(records))
	for i := range records {
		e, err := records[len(records)-1-i].toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// AppendOutcome persists the next version of an event's outcome and returns
// it with Version and CreatedAt populated.
func (s *Store) AppendOutcome(ctx context.Context, o model.EventOutcome) (model.EventOutcome, error) {
	if strings.TrimSpace(o.EventID) == "" {
		return model.EventOutcome{}, &model.ValidationError{Field: "event_id", Reason: "is required"}
	}

	var lastErr error
	for attempt := 0; attempt < maxOutcomeAppendAttempts; attempt++ {
		var appended model.EventOutcome
		err := s.RunInTx(ctx, func(ctx context.Context, tx *Store) error {
			var current int
			err := tx.db.NewSelect().
				Model((*outcomeRecord)(nil)).
				ColumnExpr("COALESCE(MAX(version), 0)").
				Where("event_id = ?", o.EventID).
				Scan(ctx, &current)
			if err != nil {
				return err
			}

			next := o
			next.Version = current + 1
			next.CreatedAt = tx.now()
			if _, err := tx.db.NewInsert().Model(newOutcomeRecord(uuid.NewString(), next)).Exec(ctx); err != nil {
				return err
			}
			appended = next
			return nil
		})
		if err == nil {
			return appended, nil
		}
		if !isUniqueViolation(err) {
			return model.EventOutcome{}, fmt.Errorf("store: append outcome: %w", err)
		}
		lastErr = err
	}
	return model.EventOutcome{}, fmt.Errorf("store: append outcome for %s: %w", o.EventID, lastErr)
}

// LatestOutcome returns the highest outcome version recorded for an event.
func (s *Store) LatestOutcome(ctx context.Context, eventID string) (model.EventOutcome, error) {
	record := &outcomeRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		OrderExpr("?TableAlias.version DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return model.EventOutcome{}, fmt.Errorf("outcome for event %q: %w", eventID, model.ErrNotFound)
		}
		return model.EventOutcome{}, err
	}
	return record.toDomain(), nil
}

// ListOutcomes returns every outcome version of an event, oldest first.
func (s *Store) ListOutcomes(ctx context.Context, eventID string) ([]model.EventOutcome, error) {
	var records []outcomeRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		OrderExpr("?TableAlias.version ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.EventOutcome, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}
