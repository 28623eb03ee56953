package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketRefill(t *testing.T) {
	start := time.Now()
	b := NewBucket(BucketConfig{Capacity: 2, RefillRate: 1}, start)

	ok, _ := b.TryTake(start)
	assert.True(t, ok)
	ok, _ = b.TryTake(start)
	assert.True(t, ok)

	// Empty: the wait reflects the refill rate
	ok, wait := b.TryTake(start)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(50*time.Millisecond))

	// Half a second refills half a token
	assert.InDelta(t, 0.5, b.Tokens(start.Add(500*time.Millisecond)), 0.01)

	// After a full second one token is back
	ok, _ = b.TryTake(start.Add(1100 * time.Millisecond))
	assert.True(t, ok)
}

func TestBucketCapacityBound(t *testing.T) {
	start := time.Now()
	b := NewBucket(BucketConfig{Capacity: 5, RefillRate: 10}, start)
	// Refill never exceeds capacity no matter how long the bucket idles
	assert.Equal(t, 5.0, b.Tokens(start.Add(time.Hour)))
	b.Give(start.Add(time.Hour))
	assert.Equal(t, 5.0, b.Tokens(start.Add(time.Hour)))
}

func TestTryAcquireRollsBackGlobalToken(t *testing.T) {
	l := New(Config{
		Global:  BucketConfig{Capacity: 10, RefillRate: 10},
		PerChat: BucketConfig{Capacity: 1, RefillRate: 1},
		IdleTTL: time.Hour,
	})

	require.True(t, l.TryAcquire(7))
	// Chat bucket exhausted: the take fails and must return the global token
	require.False(t, l.TryAcquire(7))

	// All 9 remaining global tokens are still available to other chats...
	for chatID := int64(100); chatID < 109; chatID++ {
		require.True(t, l.TryAcquire(chatID))
	}
	// ...which proves the failed take above gave its global token back
	require.False(t, l.TryAcquire(200))
}

func TestAcquireBlocksOnPerChatBucket(t *testing.T) {
	l := New(Config{
		Global:  BucketConfig{Capacity: 30, RefillRate: 30},
		PerChat: BucketConfig{Capacity: 1, RefillRate: 10},
		IdleTTL: time.Hour,
	})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, 7))
	require.NoError(t, l.Acquire(ctx, 7))
	elapsed := time.Since(start)

	// The second acquire waited roughly one refill interval (100ms at 10/s)
	assert.Greater(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestAcquireCancellation(t *testing.T) {
	l := New(Config{
		Global:  BucketConfig{Capacity: 1, RefillRate: 0.001},
		PerChat: BucketConfig{Capacity: 1, RefillRate: 0.001},
		IdleTTL: time.Hour,
	})
	require.True(t, l.TryAcquire(7))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIndependentChats(t *testing.T) {
	l := New(DefaultConfig())
	// A drained bucket for one chat doesn't affect another
	require.True(t, l.TryAcquire(1))
	require.False(t, l.TryAcquire(1))
	require.True(t, l.TryAcquire(2))
}

func TestEvictIdle(t *testing.T) {
	current := time.Now()
	l := New(
		Config{
			Global:  BucketConfig{Capacity: 30, RefillRate: 30},
			PerChat: BucketConfig{Capacity: 1, RefillRate: 1},
			IdleTTL: time.Hour,
		},
		WithClock(func() time.Time { return current }),
	)
	require.True(t, l.TryAcquire(1))
	require.True(t, l.TryAcquire(2))
	assert.Equal(t, 0, l.EvictIdle())

	current = current.Add(2 * time.Hour)
	assert.Equal(t, 2, l.EvictIdle())
}

func TestNotDegradedWithoutSharedStore(t *testing.T) {
	l := New(DefaultConfig())
	assert.False(t, l.Degraded())
	assert.Equal(t, "local", l.Backend())
}

type brokenStore struct{}

func (brokenStore) Take(
	_ context.Context,
	_ string,
	_ BucketConfig,
	_ time.Time,
) (bool, time.Duration, error) {
	return false, 0, context.DeadlineExceeded
}

func (brokenStore) Give(
	_ context.Context,
	_ string,
	_ BucketConfig,
	_ time.Time,
) error {
	return context.DeadlineExceeded
}

func (brokenStore) Ping(_ context.Context) error {
	return context.DeadlineExceeded
}

func (brokenStore) Name() string {
	return "redis"
}

func TestDegradesToLocalOnBackendFailure(t *testing.T) {
	l := New(DefaultConfig(), WithSharedStore(brokenStore{}))
	assert.Equal(t, "redis", l.Backend())

	// The broken backend fails the take; the limiter falls back to local
	// buckets and keeps serving
	require.True(t, l.TryAcquire(7))
	assert.True(t, l.Degraded())
	assert.Equal(t, "local", l.Backend())
}
