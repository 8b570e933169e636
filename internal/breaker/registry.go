package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Health is the per-breaker view exposed by the registry.
type Health struct {
	State     State   `json:"state"`
	IsHealthy bool    `json:"is_healthy"`
	Metrics   Metrics `json:"metrics"`
	Config    Config  `json:"config"`
}

// AlertFunc is invoked by the sweep for every breaker found open or
// unhealthy. Optional.
type AlertFunc func(name string, h Health)

// Registry is the process-wide catalog of named breakers, one per external
// dependency. Breakers are created at initialization and never destroyed
// during the process lifetime (reset, not destroy).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	logger   *slog.Logger
	alert    AlertFunc
	interval time.Duration

	sweepMu sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewRegistry creates an empty registry. interval controls the background
// health sweep cadence; alert may be nil.
func NewRegistry(logger *slog.Logger, interval time.Duration, alert AlertFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
		alert:    alert,
		interval: interval,
	}
}

// Create registers a new breaker. Fails with ErrExists if the name is taken.
func (r *Registry) Create(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[cfg.Name]; ok {
		return fmt.Errorf("breaker %q: %w", cfg.Name, ErrExists)
	}
	r.breakers[cfg.Name] = New(cfg)
	r.logger.Info("breaker created", "name", cfg.Name,
		"failure_threshold", cfg.FailureThreshold,
		"reset_timeout", cfg.ResetTimeout)
	return nil
}

// Get returns the breaker for a dependency name.
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.breakers[name]
	if !ok {
		return nil, fmt.Errorf("breaker %q: %w", name, ErrNotFound)
	}
	return b, nil
}

// Remove deletes a breaker from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Reset forces one breaker closed. Returns false if the name is unknown.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	b.Reset()
	r.logger.Info("breaker reset", "name", name)
	return true
}

// ResetAll forces every registered breaker closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, b := range r.breakers {
		b.Reset()
		r.logger.Info("breaker reset", "name", name)
	}
}

// HealthStatus reports every breaker's state, health, metrics and config.
// A breaker is unhealthy when it is not closed, or when its recent failure
// ratio already crosses the threshold even while still closed.
func (r *Registry) HealthStatus() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]Health, len(r.breakers))
	for name, b := range r.breakers {
		m := b.Metrics()
		cfg := b.Config()
		healthy := m.State == StateClosed &&
			!(m.WindowSize >= cfg.MinimumThroughput && m.FailureRatio >= cfg.FailureThreshold)
		status[name] = Health{
			State:     m.State,
			IsHealthy: healthy,
			Metrics:   m,
			Config:    cfg,
		}
	}
	return status
}

// StartSweep begins the periodic health sweep. Idempotent: a second call
// while running is a no-op and never schedules a duplicate entry.
func (r *Registry) StartSweep() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if r.running {
		return
	}
	if r.cron == nil {
		r.cron = cron.New()
		// AddFunc with @every cannot fail for a positive interval.
		if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.interval), r.sweep); err != nil {
			r.logger.Error("breaker sweep schedule failed", "error", err)
			return
		}
	}
	r.cron.Start()
	r.running = true
	r.logger.Info("breaker health sweep started", "interval", r.interval)
}

// StopSweep halts the periodic sweep. Idempotent.
func (r *Registry) StopSweep() {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	if !r.running {
		return
	}
	r.cron.Stop()
	r.running = false
	r.logger.Info("breaker health sweep stopped")
}

// SweepRunning reports whether the periodic sweep is active.
func (r *Registry) SweepRunning() bool {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	return r.running
}

// sweep recomputes health and raises an alert for every breaker that is
// open or unhealthy. Runs on the cron schedule; tests call it directly.
func (r *Registry) sweep() {
	for name, h := range r.HealthStatus() {
		if h.IsHealthy {
			continue
		}
		if h.State == StateOpen {
			r.logger.Error("breaker alert: dependency unavailable",
				"name", name, "state", h.State,
				"failure_ratio", h.Metrics.FailureRatio,
				"opened_at", h.Metrics.OpenedAt)
		} else {
			r.logger.Warn("breaker alert: dependency degraded",
				"name", name, "state", h.State,
				"failure_ratio", h.Metrics.FailureRatio)
		}
		if r.alert != nil {
			r.alert(name, h)
		}
	}
}
