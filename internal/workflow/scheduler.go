package workflow

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs workflow executions.
type Scheduler interface {
	Schedule(fn func(ctx context.Context))
}

// Inline runs each execution on the calling goroutine.
type Inline struct{}

// Schedule implements Scheduler.
func (Inline) Schedule(fn func(ctx context.Context)) {
	fn(context.Background())
}

// Pool runs executions on goroutines, at most workers at a time.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a bounded pool.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule implements Scheduler. Executions queued after Shutdown are
// dropped; Recover picks them up on the next start.
func (p *Pool) Schedule(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn(p.ctx)
	}()
}

// Shutdown waits for running executions until ctx is done, then cancels
// them.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
