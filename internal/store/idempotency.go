package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/concord/internal/model"
)

// ClaimIdempotencyKey inserts an in-flight row for key. When the key already
// exists the stored record is returned with claimed=false, unless it is an
// in-flight row whose lease has expired, in which case it is taken over.
func (s *Store) ClaimIdempotencyKey(
	ctx context.Context,
	key string,
	eventID string,
	lease time.Duration,
) (model.IdempotencyRecord, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return model.IdempotencyRecord{}, false, &model.ValidationError{Field: "idempotency_key", Reason: "is required"}
	}
	now := s.now()
	record := &idempotencyRecord{
		Key:            key,
		Status:         string(model.IdempotencyInFlight),
		EventID:        eventID,
		LeaseExpiresAt: now.Add(lease),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err == nil {
		claimed, err := record.toDomain()
		return claimed, true, err
	} else if !isUniqueViolation(err) {
		return model.IdempotencyRecord{}, false, fmt.Errorf("store: claim idempotency key: %w", err)
	}

	res, err := s.db.NewUpdate().
		Model((*idempotencyRecord)(nil)).
		Set("event_id = ?", eventID).
		Set("lease_expires_at = ?", now.Add(lease)).
		Set("updated_at = ?", now).
		Where("idem_key = ?", key).
		Where("status = ?", string(model.IdempotencyInFlight)).
		Where("lease_expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return model.IdempotencyRecord{}, false, fmt.Errorf("store: take over idempotency key: %w", err)
	}
	affected, _ := res.RowsAffected()

	existing, err := s.GetIdempotencyKey(ctx, key)
	if err != nil {
		return model.IdempotencyRecord{}, false, err
	}
	return existing, affected == 1, nil
}

// GetIdempotencyKey loads the durable record for key.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (model.IdempotencyRecord, error) {
	record := &idempotencyRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.idem_key = ?", strings.TrimSpace(key)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return model.IdempotencyRecord{}, fmt.Errorf("idempotency key %q: %w", key, model.ErrNotFound)
		}
		return model.IdempotencyRecord{}, err
	}
	return record.toDomain()
}

// RenewIdempotencyKey extends the lease of an in-flight claim held by
// eventID. It fails with model.ErrLeaseLost when the claim is gone or
// belongs to another event.
func (s *Store) RenewIdempotencyKey(ctx context.Context, key, eventID string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*idempotencyRecord)(nil)).
		Set("lease_expires_at = ?", now.Add(lease)).
		Set("updated_at = ?", now).
		Where("idem_key = ?", strings.TrimSpace(key)).
		Where("event_id = ?", eventID).
		Where("status = ?", string(model.IdempotencyInFlight)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: renew idempotency key: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("idempotency key %q for %s: %w", key, eventID, model.ErrLeaseLost)
	}
	return nil
}

// CommitIdempotencyKey marks the in-flight claim of eventID committed and
// stores the outcome returned to later duplicates. A claim that was taken
// over by another event fails with model.ErrLeaseLost.
func (s *Store) CommitIdempotencyKey(ctx context.Context, key, eventID string, outcome model.EventOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("store: encode idempotency outcome: %w", err)
	}
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*idempotencyRecord)(nil)).
		Set("status = ?", string(model.IdempotencyCommitted)).
		Set("outcome = ?", payload).
		Set("updated_at = ?", now).
		Where("idem_key = ?", strings.TrimSpace(key)).
		Where("event_id = ?", eventID).
		Where("status = ?", string(model.IdempotencyInFlight)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: commit idempotency key: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("idempotency key %q for %s: %w", key, eventID, model.ErrLeaseLost)
	}
	return nil
}

// ReleaseIdempotencyKey deletes an in-flight claim owned by eventID so the
// key can be retried. Committed keys are never released. Releasing a claim
// that another event has taken over fails with model.ErrLeaseLost.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key, eventID string) error {
	res, err := s.db.NewDelete().
		Model((*idempotencyRecord)(nil)).
		Where("idem_key = ?", strings.TrimSpace(key)).
		Where("event_id = ?", eventID).
		Where("status = ?", string(model.IdempotencyInFlight)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: release idempotency key: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}

	current, err := s.GetIdempotencyKey(ctx, key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return nil
	case err != nil:
		return err
	case current.Status == model.IdempotencyInFlight && current.EventID != eventID:
		return fmt.Errorf("idempotency key %q held by %s: %w", key, current.EventID, model.ErrLeaseLost)
	}
	return nil
}
