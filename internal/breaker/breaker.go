// Package breaker implements a per-dependency circuit breaker with a
// time-based sliding outcome window, and a registry that owns one breaker
// per external dependency plus a periodic health sweep.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors for breaker call gating and registry lookups.
var (
	// ErrOpen is returned when a call is rejected without invoking the
	// operation because the breaker is open.
	ErrOpen = errors.New("breaker: open")
	// ErrNotFound is returned when no breaker is registered under a name.
	ErrNotFound = errors.New("breaker: not found")
	// ErrExists is returned when creating a breaker under a taken name.
	ErrExists = errors.New("breaker: already exists")
)

// State represents the breaker state machine position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds the fixed tuning for one dependency's breaker.
type Config struct {
	Name              string        `json:"name"`
	FailureThreshold  float64       `json:"failure_threshold"`  // failure ratio in [0,1] that trips the breaker
	MinimumThroughput int           `json:"minimum_throughput"` // window entries required before the ratio is evaluated
	ResetTimeout      time.Duration `json:"reset_timeout"`      // open duration before a half-open trial
	MonitoringPeriod  time.Duration `json:"monitoring_period"`  // sliding window span
}

// Validate checks the configuration for a new breaker.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("breaker: name is required")
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("breaker %q: failure threshold must be in (0,1]", c.Name)
	}
	if c.MinimumThroughput <= 0 {
		return fmt.Errorf("breaker %q: minimum throughput must be positive", c.Name)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("breaker %q: reset timeout must be positive", c.Name)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("breaker %q: monitoring period must be positive", c.Name)
	}
	return nil
}

// Metrics is a point-in-time snapshot of a breaker's window and state.
type Metrics struct {
	State        State      `json:"state"`
	WindowSize   int        `json:"window_size"`
	Successes    int        `json:"successes"`
	Failures     int        `json:"failures"`
	FailureRatio float64    `json:"failure_ratio"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

type outcome struct {
	success bool
	at      time.Time
}

// Breaker gates calls to one external dependency. All bookkeeping happens
// inside a single mutex; the wrapped operation itself runs outside it.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	window        []outcome
	openedAt      time.Time
	trialInFlight bool

	now func() time.Time // stubbed in tests
}

// New creates a closed breaker with the given config.
func New(cfg Config) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.cfg.Name }

// Config returns the breaker's fixed configuration.
func (b *Breaker) Config() Config { return b.cfg }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return b.state
}

// Reset forces the breaker closed and clears the window, regardless of
// prior state. Administrative escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.window = nil
	b.openedAt = time.Time{}
	b.trialInFlight = false
}

// Metrics returns a snapshot of the window and state.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())

	m := Metrics{
		State:      b.state,
		WindowSize: len(b.window),
	}
	for _, o := range b.window {
		if o.success {
			m.Successes++
		} else {
			m.Failures++
		}
	}
	if m.WindowSize > 0 {
		m.FailureRatio = float64(m.Failures) / float64(m.WindowSize)
	}
	if b.state == StateOpen || b.state == StateHalfOpen {
		opened := b.openedAt
		m.OpenedAt = &opened
	}
	return m
}

// allow decides whether a call may proceed. The second return value marks
// the call as the half-open trial.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, fmt.Errorf("breaker %q is open: %w", b.cfg.Name, ErrOpen)
		}
		// Reset timeout elapsed: admit exactly this call as the trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.trialInFlight {
			return false, fmt.Errorf("breaker %q is open (trial in flight): %w", b.cfg.Name, ErrOpen)
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, fmt.Errorf("breaker %q in unknown state %q", b.cfg.Name, b.state)
}

// record registers the outcome of an admitted call.
func (b *Breaker) record(success, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if trial {
		b.trialInFlight = false
		if success {
			b.state = StateClosed
			b.window = nil
			b.openedAt = time.Time{}
		} else {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	// A non-trial call only counts while the breaker is closed. The state
	// may have changed while the operation was in flight.
	if b.state != StateClosed {
		return
	}

	b.window = append(b.window, outcome{success: success, at: now})
	b.pruneLocked(now)

	if len(b.window) < b.cfg.MinimumThroughput {
		return
	}
	failures := 0
	for _, o := range b.window {
		if !o.success {
			failures++
		}
	}
	if float64(failures)/float64(len(b.window)) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// pruneLocked drops window entries older than the monitoring period.
// Caller must hold b.mu.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	i := 0
	for i < len(b.window) && !b.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// Do runs op through the breaker. If the breaker rejects the call, op is
// never invoked and the error wraps ErrOpen. Operation errors are recorded
// as failures and propagated unchanged. A panicking op is recorded as a
// failure before the panic continues, so a half-open trial cannot leave the
// breaker wedged with its trial slot taken.
func Do[T any](b *Breaker, op func() (T, error)) (T, error) {
	var zero T
	trial, err := b.allow()
	if err != nil {
		return zero, err
	}
	recorded := false
	defer func() {
		if !recorded {
			b.record(false, trial)
		}
	}()
	v, opErr := op()
	recorded = true
	b.record(opErr == nil, trial)
	if opErr != nil {
		return zero, opErr
	}
	return v, nil
}

// DoWithFallback behaves like Do, but on any error (open rejection or
// operation failure) returns the fallback's result instead.
func DoWithFallback[T any](b *Breaker, op func() (T, error), fallback func(error) (T, error)) (T, error) {
	v, err := Do(b, op)
	if err != nil && fallback != nil {
		return fallback(err)
	}
	return v, err
}
