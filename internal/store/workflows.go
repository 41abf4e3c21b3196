package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/capitalize-ai/concord/internal/model"
)

// CreateWorkflow inserts a new workflow instance at version 1.
func (s *Store) CreateWorkflow(ctx context.Context, inst *model.WorkflowInstance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return &model.ValidationError{Field: "id", Reason: "is required"}
	}
	now := s.now()
	inst.Version = 1
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	if inst.State == nil {
		inst.State = map[string]any{}
	}

	record, err := newWorkflowRecord(inst)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("workflow %s: %w", inst.ID, model.ErrVersionConflict)
		}
		return fmt.Errorf("store: create workflow: %w", err)
	}
	return nil
}

// GetWorkflow loads a workflow instance by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	record := &workflowRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("workflow %q: %w", id, model.ErrNotFound)
		}
		return nil, err
	}
	return record.toDomain()
}

// UpdateWorkflow writes inst only if the stored version still equals
// expectedVersion. On success inst.Version is advanced; otherwise
// model.ErrVersionConflict is returned and inst is left unchanged.
func (s *Store) UpdateWorkflow(ctx context.Context, inst *model.WorkflowInstance, expectedVersion int) error {
	if inst == nil {
		return &model.ValidationError{Field: "id", Reason: "is required"}
	}
	next := *inst
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now()

	record, err := newWorkflowRecord(&next)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().
		Model(record).
		ExcludeColumn("id", "created_at", "input_snapshot", "type").
		Where("id = ?", record.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: update workflow: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return fmt.Errorf("workflow %s at version %d: %w", inst.ID, expectedVersion, model.ErrVersionConflict)
	}
	*inst = next
	return nil
}

// ListExpiredWaiting returns suspended workflows whose deadline is at or
// before now, oldest deadline first.
func (s *Store) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*model.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []workflowRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status = ?", string(model.WorkflowWaitingSignal)).
		Where("?TableAlias.deadline IS NOT NULL").
		Where("?TableAlias.deadline <= ?", now.UTC()).
		OrderExpr("?TableAlias.deadline ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list expired workflows: %w", err)
	}
	return workflowsToDomain(records)
}

// ListWorkflowsByStatus returns workflows in any of the given statuses,
// oldest first.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, limit int, statuses ...model.WorkflowStatus) ([]*model.WorkflowInstance, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}
	var records []workflowRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.status IN (?)", bun.In(values)).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list workflows: %w", err)
	}
	return workflowsToDomain(records)
}

func workflowsToDomain(records []workflowRecord) ([]*model.WorkflowInstance, error) {
	out := make([]*model.WorkflowInstance, 0, len(records))
	for i := range records {
		inst, err := records[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
