package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/concord/internal/model"
)

const incrementUsageCounterSQL = `INSERT INTO model_usage_counters (model_id, total_requests, total_tokens, last_used_at)
VALUES (?, 1, ?, ?)
ON CONFLICT (model_id) DO UPDATE SET
	total_requests = model_usage_counters.total_requests + 1,
	total_tokens = model_usage_counters.total_tokens + excluded.total_tokens,
	last_used_at = excluded.last_used_at`

// RecordModelCall inserts the audit record and increments the per-model
// counter in one transaction. The increment is evaluated by the database so
// concurrent callers never lose updates.
func (s *Store) RecordModelCall(ctx context.Context, rec model.ModelCallRecord) error {
	if strings.TrimSpace(rec.ModelID) == "" {
		return &model.ValidationError{Field: "model_id", Reason: "is required"}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	return s.RunInTx(ctx, func(ctx context.Context, tx *Store) error {
		if _, err := tx.db.NewInsert().Model(newModelCallRecord(rec)).Exec(ctx); err != nil {
			return fmt.Errorf("store: insert model call record: %w", err)
		}
		if _, err := tx.db.NewRaw(
			incrementUsageCounterSQL,
			rec.ModelID,
			int64(rec.TotalTokens()),
			rec.CreatedAt.UTC(),
		).Exec(ctx); err != nil {
			return fmt.Errorf("store: increment usage counter: %w", err)
		}
		return nil
	})
}

// GetUsageCounter returns the aggregate counter for a model.
func (s *Store) GetUsageCounter(ctx context.Context, modelID string) (model.UsageCounter, error) {
	record := &usageCounterRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.model_id = ?", strings.TrimSpace(modelID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return model.UsageCounter{}, fmt.Errorf("usage counter %q: %w", modelID, model.ErrNotFound)
		}
		return model.UsageCounter{}, err
	}
	return record.toDomain(), nil
}

// ListUsageCounters returns every model counter ordered by model ID.
func (s *Store) ListUsageCounters(ctx context.Context) ([]model.UsageCounter, error) {
	var records []usageCounterRecord
	if err := s.db.NewSelect().Model(&records).OrderExpr("?TableAlias.model_id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list usage counters: %w", err)
	}
	out := make([]model.UsageCounter, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// ListModelCalls returns the most recent call records, optionally filtered
// by model.
func (s *Store) ListModelCalls(ctx context.Context, modelID string, limit int) ([]model.ModelCallRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var records []modelCallRecord
	q := s.db.NewSelect().Model(&records)
	if modelID = strings.TrimSpace(modelID); modelID != "" {
		q = q.Where("?TableAlias.model_id = ?", modelID)
	}
	if err := q.OrderExpr("?TableAlias.created_at DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("store: list model calls: %w", err)
	}
	out := make([]model.ModelCallRecord, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}

// CountModelCalls returns the number of call records stored for a model.
func (s *Store) CountModelCalls(ctx context.Context, modelID string) (int, error) {
	return s.db.NewSelect().
		Model((*modelCallRecord)(nil)).
		Where("model_id = ?", strings.TrimSpace(modelID)).
		Count(ctx)
}
