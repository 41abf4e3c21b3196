package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/capitalize-ai/concord/internal/model"
)

// RecordSignal persists an approval signal. When the disposition is applied
// and inst is non-nil, the workflow update and the signal insert commit
// together; a second applied signal for the same workflow gate fails with
// model.ErrSignalConflict.
func (s *Store) RecordSignal(
	ctx context.Context,
	sig *model.ApprovalSignal,
	inst *model.WorkflowInstance,
	expectedVersion int,
) error {
	if sig == nil || strings.TrimSpace(sig.WorkflowID) == "" {
		return &model.ValidationError{Field: model.KeyWorkflowRef, Reason: "is required"}
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Disposition == "" {
		sig.Disposition = model.SignalIgnored
	}

	return s.RunInTx(ctx, func(ctx context.Context, tx *Store) error {
		if inst != nil {
			if err := tx.UpdateWorkflow(ctx, inst, expectedVersion); err != nil {
				return err
			}
		}
		if _, err := tx.db.NewInsert().Model(newSignalRecord(*sig, tx.now())).Exec(ctx); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("workflow %s gate %d already resolved: %w", sig.WorkflowID, sig.Gate, model.ErrSignalConflict)
			}
			return fmt.Errorf("store: record signal: %w", err)
		}
		return nil
	})
}

// ListSignals returns every signal received for a workflow, oldest first.
func (s *Store) ListSignals(ctx context.Context, workflowID string) ([]model.ApprovalSignal, error) {
	var records []signalRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.workflow_id = ?", strings.TrimSpace(workflowID)).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list signals: %w", err)
	}
	out := make([]model.ApprovalSignal, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}
