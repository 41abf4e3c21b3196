// Package idempotency prevents an idempotency key from being processed more
// than once. A fast cache answers repeat submissions, a short-lived lock
// narrows the race between concurrent first submissions, and a durable unique
// row in the store decides the winner. The winner keeps its lease, lock and
// cache marker alive until it commits or aborts.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/concord/internal/model"
	"github.com/capitalize-ai/concord/pkg/logger"
	"github.com/capitalize-ai/concord/pkg/metrics"
)

// Status is the result of a reservation attempt.
type Status int

const (
	// Unclaimed means the caller won the key and must Commit or Abort.
	Unclaimed Status = iota
	// InFlight means another submission holds the key and has not finished.
	InFlight
	// Committed means the key finished processing; Outcome holds the result.
	Committed
)

func (s Status) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case InFlight:
		return "in_flight"
	case Committed:
		return "committed"
	default:
		return "unknown"
	}
}

// Entry is the cached view of a key.
type Entry struct {
	Status  model.IdempotencyStatus `json:"status"`
	EventID string                  `json:"event_id,omitempty"`
	Outcome *model.EventOutcome     `json:"outcome,omitempty"`
}

// Cache is the fast tier. Misses and errors fall through to the store.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ErrLockNotHeld is returned by Lock.Refresh when the lock expired and was
// acquired by someone else.
var ErrLockNotHeld = errors.New("idempotency: lock not held")

// Lock is a held distributed lock.
type Lock interface {
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker grants short-lived exclusive locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

// Store is the durable tier.
type Store interface {
	ClaimIdempotencyKey(ctx context.Context, key, eventID string, lease time.Duration) (model.IdempotencyRecord, bool, error)
	RenewIdempotencyKey(ctx context.Context, key, eventID string, lease time.Duration) error
	CommitIdempotencyKey(ctx context.Context, key, eventID string, outcome model.EventOutcome) error
	ReleaseIdempotencyKey(ctx context.Context, key, eventID string) error
}

// Config tunes the guard.
type Config struct {
	CacheTTL time.Duration
	// LockTTL bounds the lock, the store lease and the in-flight cache
	// marker. The owner renews all three every RenewInterval, so it only
	// needs to cover a stalled or crashed owner.
	LockTTL       time.Duration
	RenewInterval time.Duration
	// MaxHold stops renewal of a reservation that was never committed or
	// aborted.
	MaxHold time.Duration
}

// Guard coordinates the three tiers.
type Guard struct {
	cache  Cache
	locker Locker
	store  Store
	cfg    Config
	logger *logger.Logger
}

// NewGuard creates a guard. cache and locker may be nil; the store is
// required.
func NewGuard(store Store, cache Cache, locker Locker, cfg Config, log *logger.Logger) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency: store is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval >= cfg.LockTTL {
		cfg.RenewInterval = cfg.LockTTL / 3
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = 15 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Guard{
		cache:  cache,
		locker: locker,
		store:  store,
		cfg:    cfg,
		logger: log.Named("idempotency"),
	}, nil
}

// Reservation is the result of Reserve. Only an Unclaimed reservation owns
// the key; Commit and Abort are no-ops for the other statuses.
type Reservation struct {
	Status Status
	// Outcome is the stored result of a Committed key.
	Outcome *model.EventOutcome
	// OwnerEventID is the event currently holding or having committed the key.
	OwnerEventID string

	guard   *Guard
	key     string
	eventID string
	lock    Lock
	once    sync.Once
	lost    atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// Key returns the reserved idempotency key.
func (r *Reservation) Key() string { return r.key }

// Lost reports whether the claim was taken over by another submission. An
// owner that lost its claim must not start side effects.
func (r *Reservation) Lost() bool {
	return r != nil && r.lost.Load()
}

// Reserve attempts to claim key on behalf of eventID. An empty key always
// yields an Unclaimed reservation with nothing to commit.
func (g *Guard) Reserve(ctx context.Context, key, eventID string) (*Reservation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return &Reservation{Status: Unclaimed, OwnerEventID: eventID, eventID: eventID}, nil
	}

	if res, ok := g.fromCache(ctx, key); ok {
		return res, nil
	}

	var lock Lock
	if g.locker != nil {
		l, acquired, err := g.locker.Acquire(ctx, key, g.cfg.LockTTL)
		switch {
		case err != nil:
			g.logger.Warn("idempotency lock unavailable, relying on store",
				zap.String("idempotency_key", key),
				zap.Error(err),
			)
		case !acquired:
			metrics.IdempotencyResults.WithLabelValues(InFlight.String(), "lock").Inc()
			return &Reservation{Status: InFlight, key: key}, nil
		default:
			lock = l
		}
	}

	record, claimed, err := g.store.ClaimIdempotencyKey(ctx, key, eventID, g.cfg.LockTTL)
	if err != nil {
		g.releaseLock(ctx, key, lock)
		return nil, fmt.Errorf("idempotency: claim %q: %w", key, err)
	}

	if !claimed {
		g.releaseLock(ctx, key, lock)
		res := &Reservation{Status: InFlight, key: key, OwnerEventID: record.EventID}
		if record.Status == model.IdempotencyCommitted {
			res.Status = Committed
			res.Outcome = record.Outcome
			g.setCache(ctx, key, Entry{Status: record.Status, EventID: record.EventID, Outcome: record.Outcome}, g.cfg.CacheTTL)
		}
		metrics.IdempotencyResults.WithLabelValues(res.Status.String(), "store").Inc()
		return res, nil
	}

	g.setCache(ctx, key, Entry{Status: model.IdempotencyInFlight, EventID: eventID}, g.cfg.LockTTL)
	metrics.IdempotencyResults.WithLabelValues(Unclaimed.String(), "store").Inc()
	res := &Reservation{
		Status:       Unclaimed,
		OwnerEventID: eventID,
		guard:        g,
		key:          key,
		eventID:      eventID,
		lock:         lock,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go res.keepAlive(context.WithoutCancel(ctx))
	return res, nil
}

// keepAlive renews the claim until Commit or Abort, MaxHold, or the claim
// turns out to be lost.
func (r *Reservation) keepAlive(ctx context.Context) {
	defer close(r.done)
	g := r.guard
	ticker := time.NewTicker(g.cfg.RenewInterval)
	defer ticker.Stop()
	expires := time.After(g.cfg.MaxHold)

	for {
		select {
		case <-r.stop:
			return
		case <-expires:
			g.logger.Warn("idempotency reservation held too long, no longer renewed",
				zap.String("idempotency_key", r.key),
				zap.String("event_id", r.eventID),
			)
			return
		case <-ticker.C:
		}
		if !r.renew(ctx) {
			return
		}
	}
}

func (r *Reservation) renew(ctx context.Context) bool {
	g := r.guard
	ctx, cancel := context.WithTimeout(ctx, g.cfg.RenewInterval)
	defer cancel()

	err := g.store.RenewIdempotencyKey(ctx, r.key, r.eventID, g.cfg.LockTTL)
	switch {
	case errors.Is(err, model.ErrLeaseLost):
		r.lost.Store(true)
		metrics.IdempotencyResults.WithLabelValues("lease_lost", "store").Inc()
		g.logger.Error("idempotency claim taken over while processing",
			zap.String("idempotency_key", r.key),
			zap.String("event_id", r.eventID),
		)
		return false
	case err != nil:
		// The lease is still valid until it expires; retry on the next tick.
		g.logger.Warn("idempotency lease renewal failed",
			zap.String("idempotency_key", r.key),
			zap.Error(err),
		)
	}

	if r.lock != nil {
		if err := r.lock.Refresh(ctx, g.cfg.LockTTL); err != nil {
			g.logger.Warn("idempotency lock refresh failed",
				zap.String("idempotency_key", r.key),
				zap.Error(err),
			)
		}
	}
	g.setCache(ctx, r.key, Entry{Status: model.IdempotencyInFlight, EventID: r.eventID}, g.cfg.LockTTL)
	return true
}

func (r *Reservation) stopKeepAlive() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

func (g *Guard) fromCache(ctx context.Context, key string) (*Reservation, bool) {
	if g.cache == nil {
		return nil, false
	}
	entry, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("idempotency cache read failed",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	switch entry.Status {
	case model.IdempotencyCommitted:
		metrics.IdempotencyResults.WithLabelValues(Committed.String(), "cache").Inc()
		return &Reservation{Status: Committed, Outcome: entry.Outcome, OwnerEventID: entry.EventID, key: key}, true
	case model.IdempotencyInFlight:
		metrics.IdempotencyResults.WithLabelValues(InFlight.String(), "cache").Inc()
		return &Reservation{Status: InFlight, OwnerEventID: entry.EventID, key: key}, true
	}
	return nil, false
}

func (g *Guard) setCache(ctx context.Context, key string, entry Entry, ttl time.Duration) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, entry, ttl); err != nil {
		g.logger.Warn("idempotency cache write failed",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

func (g *Guard) releaseLock(ctx context.Context, key string, lock Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(ctx); err != nil {
		g.logger.Warn("idempotency lock release failed",
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

// Commit stores the final outcome for the key and releases the lock. It runs
// even if ctx has been cancelled. A claim taken over by another submission
// fails with model.ErrLeaseLost and leaves the other owner's result intact.
func (r *Reservation) Commit(ctx context.Context, outcome model.EventOutcome) error {
	if r == nil || r.guard == nil || r.Status != Unclaimed {
		return nil
	}
	var err error
	r.once.Do(func() {
		r.stopKeepAlive()
		ctx = context.WithoutCancel(ctx)
		g := r.guard
		defer g.releaseLock(ctx, r.key, r.lock)

		if err = g.store.CommitIdempotencyKey(ctx, r.key, r.eventID, outcome); err != nil {
			if errors.Is(err, model.ErrLeaseLost) {
				r.lost.Store(true)
			}
			err = fmt.Errorf("idempotency: commit %q: %w", r.key, err)
			return
		}
		g.setCache(ctx, r.key, Entry{Status: model.IdempotencyCommitted, EventID: r.eventID, Outcome: &outcome}, g.cfg.CacheTTL)
	})
	return err
}

// Abort gives the key up so a later submission can retry it.
func (r *Reservation) Abort(ctx context.Context) error {
	if r == nil || r.guard == nil || r.Status != Unclaimed {
		return nil
	}
	var err error
	r.once.Do(func() {
		r.stopKeepAlive()
		ctx = context.WithoutCancel(ctx)
		g := r.guard
		defer g.releaseLock(ctx, r.key, r.lock)

		if g.cache != nil && !r.lost.Load() {
			if cerr := g.cache.Delete(ctx, r.key); cerr != nil {
				g.logger.Warn("idempotency cache delete failed",
					zap.String("idempotency_key", r.key),
					zap.Error(cerr),
				)
			}
		}
		if err = g.store.ReleaseIdempotencyKey(ctx, r.key, r.eventID); err != nil {
			if errors.Is(err, model.ErrLeaseLost) {
				r.lost.Store(true)
			}
			err = fmt.Errorf("idempotency: release %q: %w", r.key, err)
		}
	})
	return err
}
