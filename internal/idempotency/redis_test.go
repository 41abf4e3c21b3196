package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/concord/internal/model"
)

// TestRedisTiers_Integration requires a running Redis and is skipped otherwise.
func TestRedisTiers_Integration(t *testing.T) {
	client, err := NewRedisClient("redis://localhost:6379/0")
	require.NoError(t, err)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	key := "test-" + uuid.NewString()
	locker := NewRedisLocker(client)

	lock, ok, err := locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Refresh(ctx, 10*time.Second))
	ttl, err := client.PTTL(ctx, "idem-lock:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 5*time.Second)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Refresh(ctx, time.Second), ErrLockNotHeld)
	lock, ok, err = locker.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(ctx))

	cache := NewRedisCache(client)
	outcome := &model.EventOutcome{EventID: "evt-1", Status: model.OutcomeAccepted}
	require.NoError(t, cache.Set(ctx, key, Entry{Status: model.IdempotencyCommitted, Outcome: outcome}, time.Minute))

	entry, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.IdempotencyCommitted, entry.Status)
	assert.Equal(t, "evt-1", entry.Outcome.EventID)

	require.NoError(t, cache.Delete(ctx, key))
	_, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
