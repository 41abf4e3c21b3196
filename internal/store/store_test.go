package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(id string) model.CanonicalEvent {
	return model.CanonicalEvent{
		ID:          id,
		Type:        model.EventTypeInboundMessage,
		Source:      "widget",
		SessionID:   "sess-1",
		Content:     "hello",
		ContentType: model.ContentTypeText,
		Attachments: []model.Attachment{},
		Context:     map[string]any{"page": "pricing"},
		Metadata:    map[string]any{},
		Timestamp:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		Priority:    model.PriorityNormal,
	}
}

func TestEventAppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, testEvent("evt-1")))

	got, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "pricing", got.Context["page"])

	err = s.AppendEvent(ctx, testEvent("evt-1"))
	assert.ErrorIs(t, err, model.ErrDuplicateEvent)

	_, err = s.GetEvent(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestListSessionEventsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		e := testEvent(fmt.Sprintf("evt-%d", i))
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		e.Content = fmt.Sprintf("turn %d", i)
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	other := testEvent("evt-other")
	other.SessionID = "sess-2"
	require.NoError(t, s.AppendEvent(ctx, other))

	got, err := s.ListSessionEvents(ctx, "sess-1", base.Add(3*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "turn 1", got[0].Content)
	assert.Equal(t, "turn 2", got[1].Content)
}

func TestOutcomeVersionsIncrease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.AppendOutcome(ctx, model.EventOutcome{EventID: "evt-1", Status: model.OutcomeAccepted, WorkflowRef: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	second, err := s.AppendOutcome(ctx, model.EventOutcome{
		EventID: "evt-1",
		Status:  model.OutcomeCompleted,
		Data:    map[string]any{"total": 950.0},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	latest, err := s.LatestOutcome(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCompleted, latest.Status)
	assert.Equal(t, 950.0, latest.Data["total"])

	all, err := s.ListOutcomes(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.OutcomeAccepted, all[0].Status)

	_, err = s.LatestOutcome(ctx, "evt-unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIdempotencyClaimCommitRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, claimed, err := s.ClaimIdempotencyKey(ctx, "k1", "evt-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, model.IdempotencyInFlight, rec.Status)

	rec, claimed, err = s.ClaimIdempotencyKey(ctx, "k1", "evt-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "evt-1", rec.EventID)

	outcome := model.EventOutcome{EventID: "evt-1", Status: model.OutcomeAccepted, WorkflowRef: "wf-1"}
	require.NoError(t, s.CommitIdempotencyKey(ctx, "k1", "evt-1", outcome))

	rec, claimed, err = s.ClaimIdempotencyKey(ctx, "k1", "evt-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, model.IdempotencyCommitted, rec.Status)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, "wf-1", rec.Outcome.WorkflowRef)

	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "k1", "evt-1"))
	rec, err = s.GetIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyCommitted, rec.Status, "committed keys survive release")
}

func TestIdempotencyExpiredLeaseIsTakenOver(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, claimed, err := s.ClaimIdempotencyKey(ctx, "k2", "evt-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	now = now.Add(time.Minute)
	rec, claimed, err := s.ClaimIdempotencyKey(ctx, "k2", "evt-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "evt-2", rec.EventID)

	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "k2", "evt-2"))
	_, err = s.GetIdempotencyKey(ctx, "k2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIdempotencyTakenOverClaimRejectsFormerOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, claimed, err := s.ClaimIdempotencyKey(ctx, "k3", "evt-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	now = now.Add(20 * time.Second)
	require.NoError(t, s.RenewIdempotencyKey(ctx, "k3", "evt-1", 30*time.Second))

	// Renewed, so still held 40s after the claim.
	now = now.Add(20 * time.Second)
	_, claimed, err = s.ClaimIdempotencyKey(ctx, "k3", "evt-2", 30*time.Second)
	require.NoError(t, err)
	require.False(t, claimed)

	now = now.Add(time.Minute)
	_, claimed, err = s.ClaimIdempotencyKey(ctx, "k3", "evt-2", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	assert.ErrorIs(t, s.RenewIdempotencyKey(ctx, "k3", "evt-1", 30*time.Second), model.ErrLeaseLost)
	assert.ErrorIs(t, s.CommitIdempotencyKey(ctx, "k3", "evt-1", model.EventOutcome{EventID: "evt-1"}), model.ErrLeaseLost)
	assert.ErrorIs(t, s.ReleaseIdempotencyKey(ctx, "k3", "evt-1"), model.ErrLeaseLost)

	require.NoError(t, s.CommitIdempotencyKey(ctx, "k3", "evt-2", model.EventOutcome{EventID: "evt-2", WorkflowRef: "wf-2"}))
	rec, err := s.GetIdempotencyKey(ctx, "k3")
	require.NoError(t, err)
	assert.Equal(t, model.IdempotencyCommitted, rec.Status)
	assert.Equal(t, "wf-2", rec.Outcome.WorkflowRef)
}

func TestIdempotencyConcurrentClaimsHaveOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 25
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, claimed, err := s.ClaimIdempotencyKey(ctx, "shared", fmt.Sprintf("evt-%d", i), time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func newTestWorkflow(id string) *model.WorkflowInstance {
	return &model.WorkflowInstance{
		ID:            id,
		Type:          "quote_request",
		Status:        model.WorkflowCreated,
		InputSnapshot: testEvent("evt-" + id),
		State:         map[string]any{},
	}
}

func TestWorkflowCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := newTestWorkflow("wf-1")
	require.NoError(t, s.CreateWorkflow(ctx, inst))
	assert.Equal(t, 1, inst.Version)

	a, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	b, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)

	a.Status = model.WorkflowRunning
	a.State["quantity"] = 100.0
	require.NoError(t, s.UpdateWorkflow(ctx, a, 1))
	assert.Equal(t, 2, a.Version)

	b.Status = model.WorkflowCancelled
	err = s.UpdateWorkflow(ctx, b, 1)
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	assert.Equal(t, 1, b.Version)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)
	assert.Equal(t, 100.0, got.State["quantity"])
	assert.Equal(t, "evt-wf-1", got.InputSnapshot.ID)
}

func TestListExpiredWaiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{-2 * time.Hour, -time.Minute, time.Hour} {
		inst := newTestWorkflow(fmt.Sprintf("wf-%d", i))
		require.NoError(t, s.CreateWorkflow(ctx, inst))
		deadline := now.Add(offset)
		inst.Status = model.WorkflowWaitingSignal
		inst.Deadline = &deadline
		require.NoError(t, s.UpdateWorkflow(ctx, inst, inst.Version))
	}
	running := newTestWorkflow("wf-running")
	require.NoError(t, s.CreateWorkflow(ctx, running))

	expired, err := s.ListExpiredWaiting(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "wf-0", expired[0].ID)
	assert.Equal(t, "wf-1", expired[1].ID)

	resumable, err := s.ListWorkflowsByStatus(ctx, 10, model.WorkflowCreated, model.WorkflowRunning)
	require.NoError(t, err)
	require.Len(t, resumable, 1)
	assert.Equal(t, "wf-running", resumable[0].ID)
}

func TestRecordSignalAppliesAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := newTestWorkflow("wf-sig")
	inst.Status = model.WorkflowWaitingSignal
	require.NoError(t, s.CreateWorkflow(ctx, inst))

	first := &model.ApprovalSignal{
		WorkflowID:  "wf-sig",
		Name:        model.ApprovalSignalName,
		Decision:    model.DecisionApproved,
		DecidedBy:   "manager",
		DecidedAt:   time.Now().UTC(),
		Disposition: model.SignalApplied,
	}
	update := *inst
	update.Status = model.WorkflowRunning
	require.NoError(t, s.RecordSignal(ctx, first, &update, inst.Version))

	second := &model.ApprovalSignal{
		WorkflowID:  "wf-sig",
		Name:        model.ApprovalSignalName,
		Decision:    model.DecisionRejected,
		DecidedBy:   "other",
		DecidedAt:   time.Now().UTC(),
		Disposition: model.SignalApplied,
	}
	err := s.RecordSignal(ctx, second, nil, 0)
	assert.True(t, errors.Is(err, model.ErrSignalConflict))

	ignored := &model.ApprovalSignal{
		WorkflowID:  "wf-sig",
		Name:        model.ApprovalSignalName,
		Decision:    model.DecisionRejected,
		DecidedBy:   "other",
		DecidedAt:   time.Now().UTC(),
		Disposition: model.SignalIgnored,
		Reason:      model.IgnoredAlreadyResolved,
	}
	require.NoError(t, s.RecordSignal(ctx, ignored, nil, 0))

	signals, err := s.ListSignals(ctx, "wf-sig")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, model.SignalApplied, signals[0].Disposition)
	assert.Equal(t, model.IgnoredAlreadyResolved, signals[1].Reason)

	got, err := s.GetWorkflow(ctx, "wf-sig")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowRunning, got.Status)
}

func TestRecordSignalAppliesOncePerGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	applied := func(gate int) *model.ApprovalSignal {
		return &model.ApprovalSignal{
			WorkflowID:  "wf-gates",
			Name:        model.ApprovalSignalName,
			Gate:        gate,
			Decision:    model.DecisionApproved,
			DecidedBy:   "manager",
			DecidedAt:   time.Now().UTC(),
			Disposition: model.SignalApplied,
		}
	}

	require.NoError(t, s.RecordSignal(ctx, applied(1), nil, 0))
	require.NoError(t, s.RecordSignal(ctx, applied(3), nil, 0))
	assert.ErrorIs(t, s.RecordSignal(ctx, applied(3), nil, 0), model.ErrSignalConflict)

	signals, err := s.ListSignals(ctx, "wf-gates")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, 1, signals[0].Gate)
	assert.Equal(t, 3, signals[1].Gate)
}

func TestRecordSignalRollsBackOnStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	inst := newTestWorkflow("wf-stale")
	require.NoError(t, s.CreateWorkflow(ctx, inst))

	sig := &model.ApprovalSignal{
		WorkflowID:  "wf-stale",
		Decision:    model.DecisionApproved,
		DecidedBy:   "manager",
		DecidedAt:   time.Now().UTC(),
		Disposition: model.SignalApplied,
	}
	update := *inst
	err := s.RecordSignal(ctx, sig, &update, 7)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	signals, err := s.ListSignals(ctx, "wf-stale")
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestRecordModelCallIncrementsCounterConcurrently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const calls = 20
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RecordModelCall(ctx, model.ModelCallRecord{
				ID:               uuid.NewString(),
				ModelID:          "claude-test",
				CallerType:       "classifier",
				CallerName:       "intent",
				PromptTokens:     10,
				CompletionTokens: 5,
				Status:           model.CallSuccess,
				TraceID:          "trace",
			})
			if err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	counter, err := s.GetUsageCounter(ctx, "claude-test")
	require.NoError(t, err)
	assert.Equal(t, int64(calls), counter.TotalRequests)
	assert.Equal(t, int64(calls*15), counter.TotalTokens)

	n, err := s.CountModelCalls(ctx, "claude-test")
	require.NoError(t, err)
	assert.Equal(t, calls, n)

	records, err := s.ListModelCalls(ctx, "claude-test", 5)
	require.NoError(t, err)
	assert.Len(t, records, 5)

	counters, err := s.ListUsageCounters(ctx)
	require.NoError(t, err)
	require.Len(t, counters, 1)
}

func TestIsUniqueViolationUsesDriverCodes(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))

	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}))
	assert.False(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}))

	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed: events.id")))
	assert.False(t, isUniqueViolation(nil))
}
