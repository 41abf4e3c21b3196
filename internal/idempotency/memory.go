package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is a process-local Cache used when Redis is not configured.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	Now   func() time.Time
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), Now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !item.expiresAt.IsZero() && !c.Now().Before(item.expiresAt) {
		delete(c.items, key)
		return Entry{}, false, nil
	}
	return item.entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := memoryItem{entry: entry}
	if ttl > 0 {
		item.expiresAt = c.Now().Add(ttl)
	}
	c.items[key] = item
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]*memoryLock
	Now  func() time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]*memoryLock), Now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}
	lock := &memoryLock{owner: l, key: key, expiresAt: now.Add(ttl)}
	l.held[key] = lock
	return lock, true, nil
}

type memoryLock struct {
	owner     *MemoryLocker
	key       string
	expiresAt time.Time
}

func (m *memoryLock) Refresh(_ context.Context, ttl time.Duration) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if m.owner.held[m.key] != m {
		return ErrLockNotHeld
	}
	m.expiresAt = m.owner.Now().Add(ttl)
	return nil
}

func (m *memoryLock) Release(context.Context) error {
	m.owner.mu.Lock()
	defer m.owner.mu.Unlock()
	if m.owner.held[m.key] == m {
		delete(m.owner.held, m.key)
	}
	return nil
}
