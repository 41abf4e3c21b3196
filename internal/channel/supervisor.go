// Package channel runs the long-lived tasks that feed events into the
// dispatcher: cron schedules, the NATS ingest subscription and the workflow
// deadline sweeper.
package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// Task is a supervised long-running job. Run blocks until ctx is done or
// the task fails.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// ErrFatal marks a task error that must not be retried.
var ErrFatal = errors.New("channel: fatal task error")

// Health is the last known state of a task.
type Health struct {
	Task      string    `json:"task"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Supervisor starts tasks, restarts them with backoff when they fail and
// reports their health.
type Supervisor struct {
	tasks      []Task
	logger     *logger.Logger
	minBackoff time.Duration
	maxBackoff time.Duration

	mu     sync.RWMutex
	health map[string]*Health
}

// NewSupervisor creates a supervisor for tasks.
func NewSupervisor(log *logger.Logger, tasks ...Task) *Supervisor {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Supervisor{
		tasks:      tasks,
		logger:     log.Named("channel"),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
		health:     make(map[string]*Health, len(tasks)),
	}
	for _, t := range tasks {
		s.health[t.Name()] = &Health{Task: t.Name()}
	}
	return s
}

// Run supervises every task until ctx is done. It returns the first fatal
// task error, which also stops the other tasks.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		t := t
		g.Go(func() error {
			return s.supervise(ctx, t)
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, t Task) error {
	log := s.logger.With(zap.String("task", t.Name()))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.minBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0

	for {
		s.setHealth(t.Name(), true, nil, false)
		log.Info("channel task started")
		started := time.Now()

		err := t.Run(ctx)
		if ctx.Err() != nil {
			s.setHealth(t.Name(), false, nil, false)
			log.Info("channel task stopped")
			return nil
		}
		if err == nil {
			s.setHealth(t.Name(), false, nil, false)
			log.Info("channel task finished")
			return nil
		}
		s.setHealth(t.Name(), false, err, false)
		if errors.Is(err, ErrFatal) {
			log.Error("channel task failed permanently", zap.Error(err))
			return err
		}

		if time.Since(started) > s.maxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Warn("channel task failed, restarting", zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		s.setHealth(t.Name(), false, nil, true)
	}
}

func (s *Supervisor) setHealth(task string, running bool, err error, restarted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[task]
	if h == nil {
		h = &Health{Task: task}
		s.health[task] = h
	}
	h.Running = running
	h.UpdatedAt = time.Now().UTC()
	if err != nil {
		h.LastError = err.Error()
	}
	if restarted {
		h.Restarts++
	}
	healthy := 0.0
	if running {
		healthy = 1
	}
	metrics.ChannelTasksHealthy.WithLabelValues(task).Set(healthy)
}

// Health returns a snapshot of every task, sorted by name.
func (s *Supervisor) Health() []Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Health, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// Healthy reports whether every task is running.
func (s *Supervisor) Healthy() bool {
	for _, h := range s.Health() {
		if !h.Running {
			return false
		}
	}
	return true
}
