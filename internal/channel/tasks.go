package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/concord/internal/adapter"
	"github.com/capitalize-ai/concord/internal/config"
	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
)

// IngestFunc submits a raw channel payload. (*dispatcher.Dispatcher).Ingest
// satisfies it.
type IngestFunc func(ctx context.Context, channel string, raw []byte) (model.EventOutcome, error)

// Job is one cron entry.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// CronTask runs jobs on their cron schedules. Overlapping runs of the same
// job are skipped.
type CronTask struct {
	name   string
	jobs   []Job
	logger *logger.Logger
}

// NewCronTask creates a cron task.
func NewCronTask(name string, log *logger.Logger, jobs ...Job) *CronTask {
	if log == nil {
		log = logger.NewNop()
	}
	return &CronTask{name: name, jobs: jobs, logger: log.Named(name)}
}

// Name implements Task.
func (c *CronTask) Name() string { return c.name }

// Run implements Task.
func (c *CronTask) Run(ctx context.Context) error {
	cl := cronLogger{c.logger}
	sched := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	for _, job := range c.jobs {
		run := job.Run
		if _, err := sched.AddFunc(job.Spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("%w: job %s spec %q: %v", ErrFatal, job.Name, job.Spec, err)
		}
	}
	sched.Start()
	<-ctx.Done()
	<-sched.Stop().Done()
	return nil
}

type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

// ScheduleJobs turns configured schedules into cron jobs that submit ticks
// through the schedule adapter.
func ScheduleJobs(schedules []config.Schedule, ingest IngestFunc, log *logger.Logger) []Job {
	if log == nil {
		log = logger.NewNop()
	}
	jobs := make([]Job, 0, len(schedules))
	for _, sc := range schedules {
		sc := sc
		jobs = append(jobs, Job{
			Name: sc.Name,
			Spec: sc.Spec,
			Run: func(ctx context.Context) {
				FireSchedule(ctx, sc, time.Now().UTC(), ingest, log)
			},
		})
	}
	return jobs
}

// FireSchedule submits one tick of sc.
func FireSchedule(ctx context.Context, sc config.Schedule, firedAt time.Time, ingest IngestFunc, log *logger.Logger) {
	raw, err := json.Marshal(adapter.Tick{
		Name:         sc.Name,
		FiredAt:      firedAt.Truncate(time.Second),
		Content:      sc.Content,
		WorkflowType: sc.WorkflowType,
	})
	if err != nil {
		log.Error("failed to encode schedule tick", zap.String("schedule", sc.Name), zap.Error(err))
		return
	}
	outcome, err := ingest(ctx, adapter.ChannelSchedule, raw)
	if err != nil {
		log.Error("schedule tick rejected", zap.String("schedule", sc.Name), zap.Error(err))
		return
	}
	log.Info("schedule fired",
		zap.String("schedule", sc.Name),
		zap.String("status", string(outcome.Status)),
		zap.String("workflow_ref", outcome.WorkflowRef),
	)
}

// DeadlineChecker expires overdue approval waits.
type DeadlineChecker interface {
	CheckDeadlines(ctx context.Context) (int, error)
}

// DeadlineJob sweeps expired workflow deadlines on spec.
func DeadlineJob(spec string, checker DeadlineChecker, log *logger.Logger) Job {
	if log == nil {
		log = logger.NewNop()
	}
	return Job{
		Name: "deadline_sweep",
		Spec: spec,
		Run: func(ctx context.Context) {
			n, err := checker.CheckDeadlines(ctx)
			if err != nil {
				log.Error("deadline sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				log.Info("deadline sweep escalated workflows", zap.Int("count", n))
			}
		},
	}
}

// IngestSubscriber subscribes to raw payloads on ingest.<channel>. It is
// satisfied by the NATS stream manager.
type IngestSubscriber interface {
	SubscribeIngest(fn func(channel string, payload []byte, respond func([]byte))) (*nats.Subscription, error)
}

// DefaultIngestConcurrency bounds in-flight ingest payloads when none is
// configured.
const DefaultIngestConcurrency = 8

// IngestTask feeds payloads published by external channel processes to the
// dispatcher. Payloads are handled by up to concurrency workers; when all are
// busy the subscription callback blocks and NATS buffers the rest.
type IngestTask struct {
	subscriber  IngestSubscriber
	handler     func(ctx context.Context, channel string, payload []byte) []byte
	concurrency int
	logger      *logger.Logger
}

// NewIngestTask creates the NATS ingest task.
func NewIngestTask(subscriber IngestSubscriber, ingest IngestFunc, concurrency int, log *logger.Logger) *IngestTask {
	if log == nil {
		log = logger.NewNop()
	}
	if concurrency <= 0 {
		concurrency = DefaultIngestConcurrency
	}
	log = log.Named("ingest")
	return &IngestTask{
		subscriber:  subscriber,
		handler:     IngestHandler(ingest, log),
		concurrency: concurrency,
		logger:      log,
	}
}

// Name implements Task.
func (t *IngestTask) Name() string { return "nats_ingest" }

// Run implements Task. It returns once the subscription is removed and every
// payload already handed to a worker has been answered.
func (t *IngestTask) Run(ctx context.Context) error {
	var (
		workers errgroup.Group
		mu      sync.Mutex
		stopped bool
	)
	workers.SetLimit(t.concurrency)

	sub, err := t.subscriber.SubscribeIngest(func(channel string, payload []byte, respond func([]byte)) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		workers.Go(func() error {
			respond(t.handler(ctx, channel, payload))
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe ingest: %w", err)
	}
	<-ctx.Done()
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		t.logger.Warn("failed to unsubscribe ingest", zap.Error(err))
	}

	mu.Lock()
	stopped = true
	mu.Unlock()
	_ = workers.Wait()
	return nil
}

// ingestReply is returned to request/reply publishers.
type ingestReply struct {
	Outcome *model.EventOutcome `json:"outcome,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// IngestHandler adapts ingest to the subscription callback. The returned
// bytes are the JSON outcome or error.
func IngestHandler(ingest IngestFunc, log *logger.Logger) func(ctx context.Context, channel string, payload []byte) []byte {
	return func(ctx context.Context, channel string, payload []byte) []byte {
		var reply ingestReply
		outcome, err := ingest(ctx, channel, payload)
		if err != nil {
			log.Warn("ingest failed", zap.String("channel", channel), zap.Error(err))
			reply.Error = err.Error()
		} else {
			reply.Outcome = &outcome
		}
		data, merr := json.Marshal(reply)
		if merr != nil {
			log.Error("failed to encode ingest reply", zap.Error(merr))
			return nil
		}
		return data
	}
}
