package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/capitalize-ai/concord/internal/model"
)

type eventRecord struct {
	bun.BaseModel `bun:"table:events,alias:ev"`

	ID             string    `bun:"id,pk"`
	EventType      string    `bun:"event_type,notnull"`
	Source         string    `bun:"source,notnull"`
	SourceID       string    `bun:"source_id,notnull"`
	UserID         string    `bun:"user_id,notnull"`
	SessionID      string    `bun:"session_id,notnull"`
	IdempotencyKey string    `bun:"idempotency_key,notnull"`
	Priority       string    `bun:"priority,notnull"`
	Payload        []byte    `bun:"payload,notnull"`
	OccurredAt     time.Time `bun:"occurred_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

type outcomeRecord struct {
	bun.BaseModel `bun:"table:event_outcomes,alias:eo"`

	ID          string         `bun:"id,pk"`
	EventID     string         `bun:"event_id,notnull"`
	Version     int            `bun:"version,notnull"`
	Status      string         `bun:"status,notnull"`
	Message     string         `bun:"message,notnull"`
	WorkflowRef string         `bun:"workflow_ref,notnull"`
	Data        map[string]any `bun:"data,type:jsonb,notnull"`
	CreatedAt   time.Time      `bun:"created_at,notnull"`
}

type idempotencyRecord struct {
	bun.BaseModel `bun:"table:idempotency_keys,alias:ik"`

	Key            string    `bun:"idem_key,pk"`
	Status         string    `bun:"status,notnull"`
	EventID        string    `bun:"event_id,notnull"`
	Outcome        []byte    `bun:"outcome"`
	LeaseExpiresAt time.Time `bun:"lease_expires_at,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

type workflowRecord struct {
	bun.BaseModel `bun:"table:workflow_instances,alias:wi"`

	ID                string         `bun:"id,pk"`
	Type              string         `bun:"type,notnull"`
	Status            string         `bun:"status,notnull"`
	InputSnapshot     []byte         `bun:"input_snapshot,notnull"`
	State             map[string]any `bun:"state,type:jsonb,notnull"`
	NextStep          int            `bun:"next_step,notnull"`
	PendingSignalName string         `bun:"pending_signal_name,notnull"`
	Deadline          *time.Time     `bun:"deadline,nullzero"`
	EscalatedAt       *time.Time     `bun:"escalated_at,nullzero"`
	RearmCount        int            `bun:"rearm_count,notnull"`
	RetryCount        int            `bun:"retry_count,notnull"`
	LastError         string         `bun:"last_error,notnull"`
	Version           int            `bun:"version,notnull"`
	CreatedAt         time.Time      `bun:"created_at,notnull"`
	UpdatedAt         time.Time      `bun:"updated_at,notnull"`
}

type signalRecord struct {
	bun.BaseModel `bun:"table:approval_signals,alias:aps"`

	ID          string    `bun:"id,pk"`
	WorkflowID  string    `bun:"workflow_id,notnull"`
	Name        string    `bun:"name,notnull"`
	Gate        int       `bun:"gate,notnull"`
	Decision    string    `bun:"decision,notnull"`
	DecidedBy   string    `bun:"decided_by,notnull"`
	DecidedAt   time.Time `bun:"decided_at,notnull"`
	Note        string    `bun:"note,notnull"`
	EventID     string    `bun:"event_id,notnull"`
	Disposition string    `bun:"disposition,notnull"`
	Reason      string    `bun:"reason,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

type modelCallRecord struct {
	bun.BaseModel `bun:"table:model_call_records,alias:mcr"`

	ID               string    `bun:"id,pk"`
	ModelID          string    `bun:"model_id,notnull"`
	CallerType       string    `bun:"caller_type,notnull"`
	CallerName       string    `bun:"caller_name,notnull"`
	UserID           string    `bun:"user_id,notnull"`
	PromptDigest     string    `bun:"prompt_digest,notnull"`
	ResponseDigest   string    `bun:"response_digest,notnull"`
	PromptTokens     int       `bun:"prompt_tokens,notnull"`
	CompletionTokens int       `bun:"completion_tokens,notnull"`
	LatencyMs        int64     `bun:"latency_ms,notnull"`
	Status           string    `bun:"status,notnull"`
	Error            string    `bun:"error,notnull"`
	TraceID          string    `bun:"trace_id,notnull"`
	CreatedAt        time.Time `bun:"created_at,notnull"`
}

type usageCounterRecord struct {
	bun.BaseModel `bun:"table:model_usage_counters,alias:muc"`

	ModelID       string    `bun:"model_id,pk"`
	TotalRequests int64     `bun:"total_requests,notnull"`
	TotalTokens   int64     `bun:"total_tokens,notnull"`
	LastUsedAt    time.Time `bun:"last_used_at,notnull"`
}

func newEventRecord(e model.CanonicalEvent, now time.Time) (*eventRecord, error) {
	payload, err := model.EncodeEvent(e)
	if err != nil {
		return nil, fmt.Errorf("store: encode event: %w", err)
	}
	return &eventRecord{
		ID:             e.ID,
		EventType:      string(e.Type),
		Source:         e.Source,
		SourceID:       e.SourceID,
		UserID:         e.UserID,
		SessionID:      e.SessionID,
		IdempotencyKey: e.IdempotencyKey,
		Priority:       string(e.Priority),
		Payload:        payload,
		OccurredAt:     e.Timestamp.UTC(),
		CreatedAt:      now,
	}, nil
}

func (r *eventRecord) toDomain() (model.CanonicalEvent, error) {
	return model.DecodeEvent(r.Payload)
}

func newOutcomeRecord(id string, o model.EventOutcome) *outcomeRecord {
	data := o.Data
	if data == nil {
		data = map[string]any{}
	}
	return &outcomeRecord{
		ID:          id,
		EventID:     o.EventID,
		Version:     o.Version,
		Status:      string(o.Status),
		Message:     o.Message,
		WorkflowRef: o.WorkflowRef,
		Data:        data,
		CreatedAt:   o.CreatedAt,
	}
}

func (r *outcomeRecord) toDomain() model.EventOutcome {
	out := model.EventOutcome{
		EventID:     r.EventID,
		Status:      model.OutcomeStatus(r.Status),
		Message:     r.Message,
		WorkflowRef: r.WorkflowRef,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if len(r.Data) > 0 {
		out.Data = r.Data
	}
	return out
}

func (r *idempotencyRecord) toDomain() (model.IdempotencyRecord, error) {
	rec := model.IdempotencyRecord{
		Key:            r.Key,
		Status:         model.IdempotencyStatus(r.Status),
		EventID:        r.EventID,
		LeaseExpiresAt: r.LeaseExpiresAt.UTC(),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if len(r.Outcome) > 0 {
		var outcome model.EventOutcome
		if err := json.Unmarshal(r.Outcome, &outcome); err != nil {
			return model.IdempotencyRecord{}, fmt.Errorf("store: decode idempotency outcome: %w", err)
		}
		rec.Outcome = &outcome
	}
	return rec, nil
}

func newWorkflowRecord(inst *model.WorkflowInstance) (*workflowRecord, error) {
	snapshot, err := model.EncodeEvent(inst.InputSnapshot)
	if err != nil {
		return nil, fmt.Errorf("store: encode input snapshot: %w", err)
	}
	state := inst.State
	if state == nil {
		state = map[string]any{}
	}
	return &workflowRecord{
		ID:                inst.ID,
		Type:              inst.Type,
		Status:            string(inst.Status),
		InputSnapshot:     snapshot,
		State:             state,
		NextStep:          inst.NextStep,
		PendingSignalName: inst.PendingSignalName,
		Deadline:          utcPtr(inst.Deadline),
		EscalatedAt:       utcPtr(inst.EscalatedAt),
		RearmCount:        inst.RearmCount,
		RetryCount:        inst.RetryCount,
		LastError:         inst.LastError,
		Version:           inst.Version,
		CreatedAt:         inst.CreatedAt.UTC(),
		UpdatedAt:         inst.UpdatedAt.UTC(),
	}, nil
}

func (r *workflowRecord) toDomain() (*model.WorkflowInstance, error) {
	snapshot, err := model.DecodeEvent(r.InputSnapshot)
	if err != nil {
		return nil, fmt.Errorf("store: decode input snapshot for %s: %w", r.ID, err)
	}
	state := r.State
	if state == nil {
		state = map[string]any{}
	}
	return &model.WorkflowInstance{
		ID:                r.ID,
		Type:              r.Type,
		Status:            model.WorkflowStatus(r.Status),
		InputSnapshot:     snapshot,
		State:             state,
		NextStep:          r.NextStep,
		PendingSignalName: r.PendingSignalName,
		Deadline:          utcPtr(r.Deadline),
		EscalatedAt:       utcPtr(r.EscalatedAt),
		RearmCount:        r.RearmCount,
		RetryCount:        r.RetryCount,
		LastError:         r.LastError,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

func newSignalRecord(sig model.ApprovalSignal, now time.Time) *signalRecord {
	return &signalRecord{
		ID:          sig.ID,
		WorkflowID:  sig.WorkflowID,
		Name:        sig.Name,
		Gate:        sig.Gate,
		Decision:    string(sig.Decision),
		DecidedBy:   sig.DecidedBy,
		DecidedAt:   sig.DecidedAt.UTC(),
		Note:        sig.Note,
		EventID:     sig.EventID,
		Disposition: string(sig.Disposition),
		Reason:      sig.Reason,
		CreatedAt:   now,
	}
}

func (r *signalRecord) toDomain() model.ApprovalSignal {
	return model.ApprovalSignal{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		Name:        r.Name,
		Gate:        r.Gate,
		Decision:    model.Decision(r.Decision),
		DecidedBy:   r.DecidedBy,
		DecidedAt:   r.DecidedAt.UTC(),
		Note:        r.Note,
		EventID:     r.EventID,
		Disposition: model.SignalDisposition(r.Disposition),
		Reason:      r.Reason,
	}
}

func newModelCallRecord(rec model.ModelCallRecord) *modelCallRecord {
	return &modelCallRecord{
		ID:               rec.ID,
		ModelID:          rec.ModelID,
		CallerType:       rec.CallerType,
		CallerName:       rec.CallerName,
		UserID:           rec.UserID,
		PromptDigest:     rec.PromptDigest,
		ResponseDigest:   rec.ResponseDigest,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		LatencyMs:        rec.LatencyMs,
		Status:           string(rec.Status),
		Error:            rec.Error,
		TraceID:          rec.TraceID,
		CreatedAt:        rec.CreatedAt.UTC(),
	}
}

func (r *modelCallRecord) toDomain() model.ModelCallRecord {
	return model.ModelCallRecord{
		ID:               r.ID,
		ModelID:          r.ModelID,
		CallerType:       r.CallerType,
		CallerName:       r.CallerName,
		UserID:           r.UserID,
		PromptDigest:     r.PromptDigest,
		ResponseDigest:   r.ResponseDigest,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		LatencyMs:        r.LatencyMs,
		Status:           model.CallStatus(r.Status),
		Error:            r.Error,
		TraceID:          r.TraceID,
		CreatedAt:        r.CreatedAt.UTC(),
	}
}

func (r *usageCounterRecord) toDomain() model.UsageCounter {
	return model.UsageCounter{
		ModelID:       r.ModelID,
		TotalRequests: r.TotalRequests,
		TotalTokens:   r.TotalTokens,
		LastUsedAt:    r.LastUsedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
