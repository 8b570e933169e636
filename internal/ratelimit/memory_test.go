package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFrozenLimiter pins the limiter's clock so refill is driven by the test,
// not wall time. The returned advance function moves the clock forward.
func newFrozenLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	l := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { _ = l.Close() })

	var mu sync.Mutex
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	return l, func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}
}

func TestMemoryLimiter_BurstThenReject(t *testing.T) {
	l, _ := newFrozenLimiter(t, 5, 3)
	ctx := context.Background()

	// A new submitter gets its full burst, then hits the limit.
	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "203.0.113.9")
		require.NoError(t, err)
		assert.True(t, ok, "submission %d should be within burst", i)
	}
	ok, err := l.Allow(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, ok, "submission past the burst must be rejected")
}

func TestMemoryLimiter_RefillsAtConfiguredRate(t *testing.T) {
	l, advance := newFrozenLimiter(t, 2, 2) // 2 per second
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = l.Allow(ctx, "client")
	}
	ok, _ := l.Allow(ctx, "client")
	require.False(t, ok, "bucket must be empty after the burst")

	// Half a second at 2/s buys exactly one token.
	advance(500 * time.Millisecond)
	ok, err := l.Allow(ctx, "client")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "client")
	assert.False(t, ok, "only one token should have refilled")
}

func TestMemoryLimiter_SubmittersAreIndependent(t *testing.T) {
	l, _ := newFrozenLimiter(t, 5, 1)
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "203.0.113.9")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "203.0.113.9")
	require.False(t, ok, "first submitter exhausted its burst")

	// A different client IP is unaffected.
	ok, _ = l.Allow(ctx, "198.51.100.4")
	assert.True(t, ok)
}

func TestMemoryLimiter_IdleRefillCapsAtBurst(t *testing.T) {
	l, advance := newFrozenLimiter(t, 100, 3)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "client")
	advance(time.Hour)

	// A long idle period must not bank more than one burst.
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "client")
		require.True(t, ok, "submission %d should fit the replenished burst", i)
	}
	ok, _ := l.Allow(ctx, "client")
	assert.False(t, ok, "tokens must cap at burst regardless of idle time")
}

func TestMemoryLimiter_ConcurrentSubmitters(t *testing.T) {
	l, _ := newFrozenLimiter(t, 5, 40)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan bool, 80)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := l.Allow(ctx, "shared")
				assert.NoError(t, err)
				results <- ok
			}
		}()
	}
	wg.Wait()
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	// The clock is frozen, so exactly one burst is spendable.
	assert.Equal(t, 40, allowed)
}

func TestMemoryLimiter_DropsIdleClients(t *testing.T) {
	l, advance := newFrozenLimiter(t, 5, 3)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "gone")
	advance(idleCutoff / 2)
	_, _ = l.Allow(ctx, "active")
	advance(idleCutoff/2 + time.Second)

	l.dropIdle()

	l.mu.Lock()
	_, goneExists := l.clients["gone"]
	_, activeExists := l.clients["active"]
	l.mu.Unlock()

	assert.False(t, goneExists, "idle client must be reaped")
	assert.True(t, activeExists, "recently seen client must survive")
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	l := NewMemoryLimiter(5, 3)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestNoopLimiter_AlwaysAllows(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Close())
}
