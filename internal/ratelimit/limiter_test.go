package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-core/internal/policy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenStore struct{}

func (brokenStore) Acquire(context.Context, string, int, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}
func (brokenStore) Count(context.Context, string) (int64, error) { return 0, errors.New("down") }
func (brokenStore) Delete(context.Context, string) error         { return errors.New("down") }
func (brokenStore) Close() error                                 { return nil }

func mustLimit(t *testing.T, raw string) policy.RateLimit {
	t.Helper()
	limit, err := policy.ParseRateLimit(raw)
	require.NoError(t, err)
	return limit
}

func TestFixedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := New(NewMemoryStore(WithClock(clock.Now)))
	limit := mustLimit(t, "3/minute")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision := limiter.Allow(ctx, "alice", policy.ToolWebSearch, limit)
		require.True(t, decision.Allowed, "call %d", i)
		assert.EqualValues(t, i, decision.Count)
	}
	fourth := limiter.Allow(ctx, "alice", policy.ToolWebSearch, limit)
	assert.False(t, fourth.Allowed)
	assert.EqualValues(t, 3, fourth.Count)

	// 其他用户与其他工具互不影响。
	assert.True(t, limiter.Allow(ctx, "bob", policy.ToolWebSearch, limit).Allowed)
	assert.True(t, limiter.Allow(ctx, "alice", policy.ToolWebFetch, limit).Allowed)

	clock.Advance(61 * time.Second)
	assert.True(t, limiter.Allow(ctx, "alice", policy.ToolWebSearch, limit).Allowed)
}

func TestRemainingAndReset(t *testing.T) {
	limiter := New(NewMemoryStore())
	limit := mustLimit(t, "5/hour")
	ctx := context.Background()

	limiter.Allow(ctx, "u", policy.ToolFileRead, limit)
	limiter.Allow(ctx, "u", policy.ToolFileRead, limit)

	remaining, err := limiter.Remaining(ctx, "u", policy.ToolFileRead, limit)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	require.NoError(t, limiter.Reset(ctx, "u", policy.ToolFileRead))
	remaining, err = limiter.Remaining(ctx, "u", policy.ToolFileRead, limit)
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)
}

func TestStoreFailurePolicy(t *testing.T) {
	limit := mustLimit(t, "1/second")

	open := New(brokenStore{}).Allow(context.Background(), "u", policy.ToolWebSearch, limit)
	assert.True(t, open.Allowed)
	assert.True(t, open.Degraded)

	closed := New(brokenStore{}, WithFailOpen(false)).Allow(context.Background(), "u", policy.ToolWebSearch, limit)
	assert.False(t, closed.Allowed)
	assert.True(t, closed.Degraded)

	_, err := New(brokenStore{}).Remaining(context.Background(), "u", policy.ToolWebSearch, limit)
	require.Error(t, err)
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	limiter := New(NewMemoryStore())
	limit := mustLimit(t, "50/minute")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow(context.Background(), "u", policy.ToolWebSearch, limit).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryStorePurge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	store := NewMemoryStore(WithClock(clock.Now))
	_, _, _ = store.Acquire(context.Background(), "a", 1, time.Second)
	_, _, _ = store.Acquire(context.Background(), "b", 1, time.Hour)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Purge())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("AGENTCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("AGENTCORE_TEST_REDIS not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(ctx, RedisConfig{Address: addr, DB: 15})
	require.NoError(t, err)
	defer store.Close()

	key := Key("redis-test", policy.ToolWebSearch)
	require.NoError(t, store.Delete(ctx, key))

	for i := 1; i <= 2; i++ {
		count, ok, err := store.Acquire(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.EqualValues(t, i, count)
	}
	_, ok, err := store.Acquire(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	count, err := store.Count(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
