package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/llm"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/internal/store"
	"github.com/capitalize-ai/concord/pkg/logger"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordedReply struct {
	eventID string
	resp    adapter.Response
}

type replyLog struct {
	mu   sync.Mutex
	sent []recordedReply
}

func (r *replyLog) Respond(_ context.Context, e model.CanonicalEvent, resp adapter.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedReply{eventID: e.ID, resp: resp})
	return nil
}

func (r *replyLog) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.resp.Text)
	}
	return out
}

type harness struct {
	store    *store.Store
	orch     *Orchestrator
	notifier *MemoryNotifier
	replies  *replyLog
	clock    *clock
}

func newHarness(t *testing.T, cfg Config, extra ...Definition) *harness {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := &harness{
		store:    s,
		notifier: &MemoryNotifier{},
		replies:  &replyLog{},
		clock:    &clock{t: time.Now().UTC().Truncate(time.Second)},
	}
	defs := Builtins(Deps{
		PriceList:         map[string]float64{"Product A": 120, "Product B": 40},
		ApprovalThreshold: 10000,
		ApprovalTimeout:   72 * time.Hour,
		Notifier:          h.notifier,
		Responder:         h.replies,
	})
	h.orch = New(s, NewRegistry(append(defs, extra...)...), cfg, Options{
		Notifier:  h.notifier,
		Outcomes:  s,
		Responder: h.replies,
		Now:       h.clock.Now,
	})
	return h
}

func inboundEvent(content string) model.CanonicalEvent {
	return model.CanonicalEvent{
		ID:          uuid.NewString(),
		Type:        model.EventTypeInboundMessage,
		Source:      "mailbox",
		UserID:      "buyer@example.com",
		Content:     content,
		ContentType: model.ContentTypeText,
		Attachments: []model.Attachment{},
		Context:     map[string]any{},
		Metadata:    map[string]any{},
		Timestamp:   time.Now().UTC(),
		Priority:    model.PriorityNormal,
	}
}

func (h *harness) get(t *testing.T, id string) *model.WorkflowInstance {
	t.Helper()
	inst, err := h.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (h *harness) waitingQuote(t *testing.T) *model.WorkflowInstance {
	t.Helper()
	inst, err := h.orch.Start(context.Background(), TypeQuoteRequest, inboundEvent("need price for 100 units of Product A"), nil)
	require.NoError(t, err)
	got := h.get(t, inst.ID)
	require.Equal(t, model.WorkflowWaitingSignal, got.Status)
	return got
}

func approval(workflowID string, d model.Decision) model.ApprovalSignal {
	return model.ApprovalSignal{WorkflowID: workflowID, Decision: d, DecidedBy: "ops@concord"}
}

func TestQuoteBelowThresholdCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	event := inboundEvent("please quote 40 units of Product B")

	inst, err := h.orch.Start(ctx, TypeQuoteRequest, event, map[string]any{"intent": "quote_request"})
	require.NoError(t, err)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.Equal(t, 3, got.NextStep)
	assert.Equal(t, "quote_request", got.State["intent"])
	assert.Equal(t, "not_required", got.State["approval"])
	assert.Equal(t, []string{"Quote for 40 x product b: 1600.00 USD"}, h.replies.texts())

	outcomes, err := h.store.ListOutcomes(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, model.OutcomeProcessing, outcomes[0].Status)
	assert.Equal(t, model.OutcomeCompleted, outcomes[1].Status)
	assert.Equal(t, inst.ID, outcomes[1].WorkflowRef)
}

func TestQuoteAboveThresholdWaitsForApproval(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	inst := h.waitingQuote(t)

	assert.Equal(t, model.ApprovalSignalName, inst.PendingSignalName)
	require.NotNil(t, inst.Deadline)
	assert.WithinDuration(t, h.clock.Now().Add(72*time.Hour), *inst.Deadline, time.Second)
	assert.InDelta(t, 12000.0, inst.State["amount"], 1e-9)
	assert.Empty(t, h.replies.texts(), "nothing is sent before approval")
	assert.Len(t, h.notifier.Sent(NotifySuspended), 1)

	res, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.NoError(t, res.Conflict)

	done := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, done.Status)
	assert.Equal(t, []string{"Quote for 100 x product a: 12000.00 USD"}, h.replies.texts())

	second, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionRejected))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.ErrorIs(t, second.Conflict, model.ErrSignalConflict)
	assert.Equal(t, model.IgnoredAlreadyResolved, second.Signal.Reason)
	assert.Equal(t, model.WorkflowCompleted, h.get(t, inst.ID).Status)

	signals, err := h.orch.Signals(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, model.SignalApplied, signals[0].Disposition)
	assert.Equal(t, model.SignalIgnored, signals[1].Disposition)
}

func TestRejectedSignalStopsWorkflow(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	inst := h.waitingQuote(t)

	res, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionRejected))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.WorkflowRejected, res.Status)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowRejected, got.Status)
	assert.NotContains(t, got.State, "quote", "send_quote must not run")
	for _, text := range h.replies.texts() {
		assert.False(t, strings.HasPrefix(text, "Quote for"))
	}

	outcome, err := h.store.LatestOutcome(ctx, inst.InputSnapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected: by ops@concord", outcome.Message)
}

func TestSignalForUnknownWorkflowIsRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.orch.Signal(context.Background(), approval("missing", model.DecisionApproved))
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, res.Conflict, model.ErrSignalConflict)
	assert.Equal(t, model.IgnoredUnknownWorkflow, res.Signal.Reason)

	_, err = h.orch.Signal(context.Background(), model.ApprovalSignal{WorkflowID: "x", Decision: "maybe"})
	assert.True(t, model.IsValidation(err))
}

func TestConcurrentSignalsApplyOnce(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.waitingQuote(t)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 8; i++ {
		decision := model.DecisionApproved
		if i%2 == 1 {
			decision = model.DecisionRejected
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Signal(context.Background(), approval(inst.ID, decision))
			if assert.NoError(t, err) && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	signals, err := h.orch.Signals(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, signals, 8)
	assert.True(t, h.get(t, inst.ID).Status.Terminal())
}

func TestDeadlineEscalatesOnce(t *testing.T) {
	h := newHarness(t, Config{TimeoutPolicy: PolicyReject})
	ctx := context.Background()
	inst := h.waitingQuote(t)

	n, err := h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deadline not reached yet")

	h.clock.Advance(73 * time.Hour)
	n, err = h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Len(t, h.notifier.Sent(NotifyReminder), 1)
	assert.Len(t, h.notifier.Sent(NotifyTimeout), 1)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowRejected, got.Status)
	assert.Equal(t, model.ErrTimeout.Error(), got.LastError)
	assert.NotNil(t, got.EscalatedAt)

	late, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	assert.False(t, late.Applied)
}

func TestDeadlineFailPolicy(t *testing.T) {
	h := newHarness(t, Config{TimeoutPolicy: PolicyFail})
	inst := h.waitingQuote(t)

	h.clock.Advance(73 * time.Hour)
	_, err := h.orch.CheckDeadlines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, h.get(t, inst.ID).Status)
}

func TestDeadlineRearmsThenExpires(t *testing.T) {
	h := newHarness(t, Config{TimeoutPolicy: PolicyRearm, MaxRearms: 1, RearmAfter: 24 * time.Hour})
	ctx := context.Background()
	inst := h.waitingQuote(t)

	h.clock.Advance(73 * time.Hour)
	n, err := h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowWaitingSignal, got.Status)
	assert.Equal(t, 1, got.RearmCount)
	assert.Nil(t, got.EscalatedAt)
	require.NotNil(t, got.Deadline)
	assert.WithinDuration(t, h.clock.Now().Add(24*time.Hour), *got.Deadline, time.Second)

	n, err = h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(25 * time.Hour)
	n, err = h.orch.CheckDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.WorkflowRejected, h.get(t, inst.ID).Status)
	assert.Len(t, h.notifier.Sent(NotifyReminder), 2)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	inst := h.waitingQuote(t)

	cancelled, err := h.orch.Cancel(ctx, inst.ID, "customer withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, cancelled.Status)
	assert.Equal(t, "cancelled: customer withdrew", cancelled.LastError)
	assert.Nil(t, cancelled.Deadline)

	again, err := h.orch.Cancel(ctx, inst.ID, "")
	require.NoError(t, err)
	assert.Equal(t, cancelled.Version, again.Version)

	res, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	assert.Equal(t, model.IgnoredStale, res.Signal.Reason)

	outcome, err := h.store.LatestOutcome(ctx, inst.InputSnapshot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, outcome.Status)

	done, err := h.orch.Start(ctx, TypeQuoteRequest, inboundEvent("40 units of Product B"), nil)
	require.NoError(t, err)
	_, err = h.orch.Cancel(ctx, done.ID, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = h.orch.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCancelDuringStepDiscardsResult(t *testing.T) {
	var (
		h         *harness
		laterRuns atomic.Int32
	)
	def := Definition{Type: "cancellable", Steps: []Step{
		{Name: "first", Run: func(ctx context.Context, sc *StepContext) (StepResult, error) {
			_, err := h.orch.Cancel(ctx, sc.WorkflowID, "operator")
			require.NoError(t, err)
			return Continue(map[string]any{"first": true}), nil
		}},
		{Name: "second", Run: func(context.Context, *StepContext) (StepResult, error) {
			laterRuns.Add(1)
			return Complete(nil), nil
		}},
	}}
	h = newHarness(t, Config{}, def)

	inst, err := h.orch.Start(context.Background(), "cancellable", inboundEvent("x"), nil)
	require.NoError(t, err)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCancelled, got.Status)
	assert.NotContains(t, got.State, "first")
	assert.Zero(t, laterRuns.Load())
}

func fastRetries(attempts int) Config {
	return Config{MaxAttempts: attempts, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond}
}

func TestStepRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	def := Definition{Type: "flaky", Steps: []Step{
		{Name: "call_partner", Run: func(context.Context, *StepContext) (StepResult, error) {
			calls.Add(1)
			return StepResult{}, errors.New("partner api 503")
		}},
	}}
	h := newHarness(t, fastRetries(3), def)
	ctx := context.Background()
	event := inboundEvent("sync order")

	inst, err := h.orch.Start(ctx, "flaky", event, nil)
	require.NoError(t, err)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowFailed, got.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, model.ErrWorkflowStepFailure.Error())
	assert.Contains(t, got.LastError, "partner api 503")

	escalations := h.notifier.Sent(NotifyStepFailed)
	require.Len(t, escalations, 1)
	assert.Equal(t, "call_partner", escalations[0].Step)

	outcome, err := h.store.LatestOutcome(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailed, outcome.Status)
}

func TestTransientStepErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	def := Definition{Type: "eventually", Steps: []Step{
		{Name: "call_partner", Run: func(_ context.Context, sc *StepContext) (StepResult, error) {
			if calls.Add(1) < 3 {
				return StepResult{}, errors.New("timeout")
			}
			return Complete(map[string]any{"attempt": sc.Attempt}), nil
		}},
	}}
	h := newHarness(t, fastRetries(5), def)

	inst, err := h.orch.Start(context.Background(), "eventually", inboundEvent("x"), nil)
	require.NoError(t, err)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)
	assert.EqualValues(t, 3, got.State["attempt"])
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	def := Definition{Type: "doomed", Steps: []Step{
		{Name: "validate", Run: func(context.Context, *StepContext) (StepResult, error) {
			calls.Add(1)
			return StepResult{}, Permanent(errors.New("bad input"))
		}},
	}}
	h := newHarness(t, fastRetries(5), def)

	inst, err := h.orch.Start(context.Background(), "doomed", inboundEvent("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, h.get(t, inst.ID).Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartUnknownType(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.Start(context.Background(), "nope", inboundEvent("x"), nil)
	assert.ErrorIs(t, err, model.ErrUnknownWorkflow)
}

func TestRecoverResumesInterruptedWorkflows(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	inst := &model.WorkflowInstance{
		ID:            uuid.NewString(),
		Type:          TypeSupportTicket,
		Status:        model.WorkflowCreated,
		InputSnapshot: inboundEvent("my order never arrived"),
	}
	require.NoError(t, h.store.CreateWorkflow(ctx, inst))

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.State["ticket_id"].(string), "TKT-"))
	require.Len(t, h.replies.texts(), 1)
	assert.Contains(t, h.replies.texts()[0], got.State["ticket_id"])
}

func TestManualReviewWaitsForDecision(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	inst, err := h.orch.Start(ctx, TypeManualReview, inboundEvent("something unusual"), map[string]any{"intent": "unknown"})
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowWaitingSignal, h.get(t, inst.ID).Status)

	notices := h.notifier.Sent(NotifyNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, "open_review", notices[0].Step)

	_, err = h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	got := h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.Equal(t, "ops@concord", got.State["reviewed_by"])
}

type scriptedInvoker struct {
	content string
	err     error
}

func (s scriptedInvoker) Invoke(context.Context, string, string, string) (*llm.CompletionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content}, nil
}

func TestQuoteExtractionUsesModel(t *testing.T) {
	defs := Builtins(Deps{
		Model:             scriptedInvoker{content: `{"product": "Product B", "quantity": 10}`},
		PriceList:         map[string]float64{"product b": 40},
		ApprovalThreshold: 1000,
	})
	q := defs[0].Steps[0]
	res, err := q.Run(context.Background(), &StepContext{Event: inboundEvent("ten of the blue ones"), State: map[string]any{}, Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, "model", res.Output["extraction"])
	assert.Equal(t, "product b", res.Output["product"])
	assert.InDelta(t, 400.0, res.Output["amount"], 1e-9)
	assert.Equal(t, false, res.Output["needs_approval"])

	defs = Builtins(Deps{
		Model:     scriptedInvoker{err: errors.New("model down")},
		PriceList: map[string]float64{"product b": 40},
	})
	res, err = defs[0].Steps[0].Run(context.Background(), &StepContext{Event: inboundEvent("12 units of Product B"), State: map[string]any{}, Logger: logger.NewNop()})
	require.NoError(t, err)
	assert.Equal(t, "pattern", res.Output["extraction"])
	assert.Equal(t, 12, res.Output["quantity"])
}

func TestMatchQuote(t *testing.T) {
	prices := map[string]float64{"product a": 1, "product a plus": 2}
	tests := []struct {
		content  string
		product  string
		quantity int
	}{
		{"need price for 100 units of Product A", "product a", 100},
		{"Product A Plus, 1,500 pcs please", "product a plus", 1500},
		{"quote 3 units of widget-x", "widget-x", 3},
		{"hello there", "", 0},
	}
	for _, tt := range tests {
		got := matchQuote(tt.content, prices)
		assert.Equal(t, tt.product, got.Product, tt.content)
		assert.Equal(t, tt.quantity, got.Quantity, tt.content)
	}
}

type capturePublisher struct {
	subject string
	payload any
}

func (c *capturePublisher) Publish(_ context.Context, subject string, v any) (uint64, error) {
	c.subject, c.payload = subject, v
	return 1, nil
}

func TestStreamNotifierSubject(t *testing.T) {
	pub := &capturePublisher{}
	n := NewStreamNotifier(pub)
	require.NoError(t, n.Notify(context.Background(), Notification{Kind: NotifyReminder, WorkflowType: "quote_request", WorkflowID: "wf-1"}))
	assert.Equal(t, "workflow.quote_request.reminder", pub.subject)
	assert.Equal(t, "wf-1", pub.payload.(Notification).WorkflowID)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	var (
		running, peak atomic.Int32
		wg            sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		p.Schedule(func(context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
		})
	}
	wg.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDefinitionValidate(t *testing.T) {
	noop := func(context.Context, *StepContext) (StepResult, error) { return Continue(nil), nil }
	assert.Error(t, Definition{}.Validate())
	assert.Error(t, Definition{Type: "x"}.Validate())
	assert.Error(t, Definition{Type: "x", Steps: []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}}}.Validate())
	assert.NoError(t, Definition{Type: "x", Steps: []Step{{Name: "a", Run: noop}}}.Validate())
	assert.Panics(t, func() { NewRegistry(Definition{Type: "broken"}) })
}

func TestWorkflowResumesFromSecondApprovalGate(t *testing.T) {
	var finished atomic.Int32
	gate := func(name string) Step {
		return Step{Name: name, Run: func(context.Context, *StepContext) (StepResult, error) {
			return Suspend(model.ApprovalSignalName, time.Hour), nil
		}}
	}
	def := Definition{Type: "two_gates", Steps: []Step{
		gate("manager_approval"),
		gate("finance_approval"),
		{Name: "book", Run: func(context.Context, *StepContext) (StepResult, error) {
			finished.Add(1)
			return Complete(map[string]any{"booked": true}), nil
		}},
	}}
	h := newHarness(t, Config{}, def)
	ctx := context.Background()

	inst, err := h.orch.Start(ctx, "two_gates", inboundEvent("book the venue"), nil)
	require.NoError(t, err)
	require.Equal(t, model.WorkflowWaitingSignal, h.get(t, inst.ID).Status)

	first, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	require.True(t, first.Applied)

	got := h.get(t, inst.ID)
	require.Equal(t, model.WorkflowWaitingSignal, got.Status, "second gate suspends again")
	assert.Zero(t, finished.Load())

	second, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionApproved))
	require.NoError(t, err)
	require.True(t, second.Applied)
	assert.NotEqual(t, first.Signal.Gate, second.Signal.Gate)

	got = h.get(t, inst.ID)
	assert.Equal(t, model.WorkflowCompleted, got.Status)
	assert.Equal(t, int32(1), finished.Load())

	late, err := h.orch.Signal(ctx, approval(inst.ID, model.DecisionRejected))
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.Equal(t, model.IgnoredAlreadyResolved, late.Signal.Reason)

	signals, err := h.orch.Signals(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, signals, 3)
	assert.Equal(t, model.SignalApplied, signals[0].Disposition)
	assert.Equal(t, model.SignalApplied, signals[1].Disposition)
	assert.Equal(t, model.SignalIgnored, signals[2].Disposition)
}
