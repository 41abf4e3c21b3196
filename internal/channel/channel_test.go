package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/config"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

type flakyTask struct {
	name     string
	failures int32
	runs     atomic.Int32
}

func (f *flakyTask) Name() string { return f.name }

func (f *flakyTask) Run(ctx context.Context) error {
	if f.runs.Add(1) <= f.failures {
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return nil
}

type fatalTask struct{}

func (fatalTask) Name() string { return "fatal" }

func (fatalTask) Run(context.Context) error {
	return fmt.Errorf("%w: bad credentials", ErrFatal)
}

func fastSupervisor(tasks ...Task) *Supervisor {
	s := NewSupervisor(logger.NewNop(), tasks...)
	s.minBackoff = time.Millisecond
	s.maxBackoff = 5 * time.Millisecond
	return s
}

func TestSupervisorRestartsFailedTasks(t *testing.T) {
	task := &flakyTask{name: "poller", failures: 2}
	s := fastSupervisor(task)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return task.runs.Load() == 3 && s.Healthy()
	}, 2*time.Second, 5*time.Millisecond)

	h := s.Health()
	require.Len(t, h, 1)
	assert.Equal(t, "poller", h[0].Task)
	assert.Equal(t, 2, h[0].Restarts)
	assert.Equal(t, "connection reset", h[0].LastError)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, s.Healthy())
}

func TestSupervisorStopsOnFatalError(t *testing.T) {
	healthy := &flakyTask{name: "healthy"}
	s := fastSupervisor(healthy, fatalTask{})

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrFatal)
	for _, h := range s.Health() {
		assert.False(t, h.Running, h.Task)
	}
}

type ingestCall struct {
	channel string
	raw     []byte
}

type fakeIngest struct {
	mu    sync.Mutex
	calls []ingestCall
	err   error
}

func (f *fakeIngest) Ingest(_ context.Context, channel string, raw []byte) (model.EventOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{channel: channel, raw: raw})
	if f.err != nil {
		return model.EventOutcome{}, f.err
	}
	return model.EventOutcome{EventID: "evt-1", Status: model.OutcomeProcessing, WorkflowRef: "wf-1"}, nil
}

func (f *fakeIngest) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestFireScheduleSubmitsTick(t *testing.T) {
	ingest := &fakeIngest{}
	sc := config.Schedule{Name: "nightly-digest", Spec: "@daily", Content: "send digest", WorkflowType: "support_ticket"}
	firedAt := time.Date(2026, 10, 15, 0, 0, 0, 500, time.UTC)

	FireSchedule(context.Background(), sc, firedAt, ingest.Ingest, logger.NewNop())

	require.Len(t, ingest.calls, 1)
	assert.Equal(t, adapter.ChannelSchedule, ingest.calls[0].channel)

	var tick adapter.Tick
	require.NoError(t, json.Unmarshal(ingest.calls[0].raw, &tick))
	assert.Equal(t, "nightly-digest", tick.Name)
	assert.Equal(t, "support_ticket", tick.WorkflowType)
	assert.True(t, tick.FiredAt.Equal(firedAt.Truncate(time.Second)))

	event, err := adapter.NewSchedule(adapter.Options{}).Normalize(context.Background(), ingest.calls[0].raw)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("schedule:nightly-digest:%d", firedAt.Unix()), event.IdempotencyKey)
}

func TestCronTaskRunsJobs(t *testing.T) {
	var runs atomic.Int32
	task := NewCronTask("cron", logger.NewNop(), Job{
		Name: "tick",
		Spec: "@every 1s",
		Run:  func(context.Context) { runs.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCronTaskRejectsBadSpec(t *testing.T) {
	task := NewCronTask("cron", nil, Job{Name: "broken", Spec: "every tuesday", Run: func(context.Context) {}})
	err := task.Run(context.Background())
	assert.ErrorIs(t, err, ErrFatal)
}

type fakeChecker struct {
	calls atomic.Int32
	err   error
}

func (f *fakeChecker) CheckDeadlines(context.Context) (int, error) {
	f.calls.Add(1)
	return 2, f.err
}

func TestDeadlineJob(t *testing.T) {
	checker := &fakeChecker{}
	job := DeadlineJob("@every 1m", checker, nil)
	assert.Equal(t, "deadline_sweep", job.Name)
	assert.Equal(t, "@every 1m", job.Spec)

	job.Run(context.Background())
	checker.err = errors.New("db down")
	job.Run(context.Background())
	assert.Equal(t, int32(2), checker.calls.Load())
}

func TestIngestHandlerEncodesReply(t *testing.T) {
	ingest := &fakeIngest{}
	handler := IngestHandler(ingest.Ingest, logger.NewNop())

	var reply ingestReply
	require.NoError(t, json.Unmarshal(handler(context.Background(), "bot", []byte(`{}`)), &reply))
	require.NotNil(t, reply.Outcome)
	assert.Equal(t, "wf-1", reply.Outcome.WorkflowRef)
	assert.Empty(t, reply.Error)

	ingest.err = &model.ValidationError{Field: "update_id", Reason: "is required"}
	reply = ingestReply{}
	require.NoError(t, json.Unmarshal(handler(context.Background(), "bot", []byte(`{}`)), &reply))
	assert.Nil(t, reply.Outcome)
	assert.Contains(t, reply.Error, "update_id")
	assert.Equal(t, 2, ingest.count())
}

type fakeSubscriber struct {
	handlers chan func(channel string, payload []byte, respond func([]byte))
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(chan func(string, []byte, func([]byte)), 1)}
}

func (f *fakeSubscriber) SubscribeIngest(fn func(channel string, payload []byte, respond func([]byte))) (*nats.Subscription, error) {
	f.handlers <- fn
	// A detached subscription reports ErrConnectionClosed on Unsubscribe.
	return &nats.Subscription{}, nil
}

func waitReply(t *testing.T, replies <-chan []byte) ingestReply {
	t.Helper()
	select {
	case data := <-replies:
		var reply ingestReply
		require.NoError(t, json.Unmarshal(data, &reply))
		return reply
	case <-time.After(2 * time.Second):
		t.Fatal("no ingest reply")
		return ingestReply{}
	}
}

func TestIngestTaskHandlesPayloadsConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	slowIngest := func(ctx context.Context, _ string, raw []byte) (model.EventOutcome, error) {
		started.Done()
		select {
		case <-release:
		case <-ctx.Done():
			return model.EventOutcome{}, ctx.Err()
		}
		return model.EventOutcome{EventID: string(raw), Status: model.OutcomeAccepted}, nil
	}

	sub := newFakeSubscriber()
	task := NewIngestTask(sub, slowIngest, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	deliver := <-sub.handlers

	replies := make(chan []byte, 2)
	respond := func(b []byte) { replies <- b }
	go func() {
		// NATS invokes the callback serially for one subscription.
		deliver("bot", []byte("evt-a"), respond)
		deliver("bot", []byte("evt-b"), respond)
	}()

	bothRunning := make(chan struct{})
	go func() {
		started.Wait()
		close(bothRunning)
	}()
	select {
	case <-bothRunning:
	case <-time.After(2 * time.Second):
		t.Fatal("second ingest did not start while the first was still running")
	}

	close(release)
	ids := []string{}
	for i := 0; i < 2; i++ {
		reply := waitReply(t, replies)
		require.NotNil(t, reply.Outcome)
		ids = append(ids, reply.Outcome.EventID)
	}
	assert.ElementsMatch(t, []string{"evt-a", "evt-b"}, ids)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingest task did not stop")
	}
}

func TestIngestTaskAnswersInFlightPayloadOnStop(t *testing.T) {
	entered := make(chan struct{})
	blockingIngest := func(ctx context.Context, _ string, _ []byte) (model.EventOutcome, error) {
		close(entered)
		<-ctx.Done()
		return model.EventOutcome{}, ctx.Err()
	}

	sub := newFakeSubscriber()
	task := NewIngestTask(sub, blockingIngest, 0, nil)
	assert.Equal(t, DefaultIngestConcurrency, task.concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()
	deliver := <-sub.handlers

	replies := make(chan []byte, 2)
	deliver("bot", []byte(`{}`), func(b []byte) { replies <- b })
	<-entered
	cancel()

	reply := waitReply(t, replies)
	assert.Nil(t, reply.Outcome)
	assert.Contains(t, reply.Error, context.Canceled.Error())
	require.NoError(t, <-done)

	// Payloads arriving after stop are left for another subscriber.
	deliver("bot", []byte(`{}`), func(b []byte) { replies <- b })
	assert.Empty(t, replies)
}
