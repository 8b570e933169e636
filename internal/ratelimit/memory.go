package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Reaper cadence and the idle age at which a client's bucket is dropped.
const (
	reapInterval = time.Minute
	idleCutoff   = 10 * time.Minute
)

// clientState is the token balance for one rate-limit key.
type clientState struct {
	tokens float64
	seenAt time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory, guarding
// the run-submission endpoints of a single Halcyon instance. Each key refills
// at rate tokens per second up to burst; a background reaper drops keys idle
// past idleCutoff so one-off submitters do not accumulate.
//
// Instances do not share buckets. A deployment that needs a global submission
// budget swaps in a shared-store Limiter instead.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	clients map[string]*clientState

	closeOnce sync.Once
	done      chan struct{}

	now func() time.Time // stubbed in tests
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key with bursts up to burst. Close stops the background reaper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		clients: make(map[string]*clientState),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.reap()
	return l
}

// Allow spends one token for key. A key's first request starts from a full
// bucket, so a new client gets its whole burst immediately.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientState{tokens: l.burst - 1, seenAt: now}
		return true, nil
	}

	c.tokens += now.Sub(c.seenAt).Seconds() * l.rate
	if c.tokens > l.burst {
		c.tokens = l.burst
	}
	c.seenAt = now

	if c.tokens < 1 {
		return false, nil
	}
	c.tokens--
	return true, nil
}

// Close stops the reaper. Safe to call more than once.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *MemoryLimiter) reap() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.dropIdle()
		}
	}
}

// dropIdle removes clients not seen since the idle cutoff.
func (l *MemoryLimiter) dropIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idleCutoff)
	for key, c := range l.clients {
		if c.seenAt.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
