// Package queue implements the job-queue health monitor: a periodic sweep
// that reports per-queue counts, flags stuck jobs, and purges aged terminal
// jobs, plus administrative pause/resume of job intake.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/halcyon-ai/halcyon/internal/model"
)

// Store is the durable-store surface the monitor sweeps over. The sweep is
// a best-effort snapshot: job states may change mid-sweep.
type Store interface {
	ListQueueNames(ctx context.Context) ([]string, error)
	CountJobsByState(ctx context.Context, queueName string) (map[model.JobState]int, error)
	AverageProcessingTime(ctx context.Context, queueName string) (time.Duration, error)
	ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]model.QueueJob, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Config tunes the monitor.
type Config struct {
	SweepInterval  time.Duration // cadence of the background sweep
	StuckThreshold time.Duration // active longer than this is reported stuck
	RetentionAge   time.Duration // terminal jobs older than this are purged
	SweepTimeout   time.Duration // per-sweep context deadline
}

// Validate checks the monitor configuration.
func (c Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("queue: sweep interval must be positive")
	}
	if c.StuckThreshold <= 0 {
		return fmt.Errorf("queue: stuck threshold must be positive")
	}
	if c.RetentionAge <= 0 {
		return fmt.Errorf("queue: retention age must be positive")
	}
	return nil
}

// QueueStats is the per-queue view in a metrics snapshot.
type QueueStats struct {
	Waiting         int   `json:"waiting"`
	Active          int   `json:"active"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	AvgProcessingMs int64 `json:"avg_processing_ms"`
}

// Metrics is the monitor's on-demand snapshot, distinct from the periodic
// sweep log.
type Metrics struct {
	IsRunning   bool                  `json:"is_running"`
	IsPaused    bool                  `json:"is_paused"`
	SweepCount  int                   `json:"sweep_count"`
	LastSweepAt *time.Time            `json:"last_sweep_at,omitempty"`
	PurgedTotal int                   `json:"purged_total"`
	Queues      map[string]QueueStats `json:"queues"`
	StuckJobs   []model.QueueJob      `json:"stuck_jobs"`
}

// Monitor owns the periodic queue sweep.
type Monitor struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	lifecycleMu sync.Mutex
	cron        *cron.Cron
	running     bool

	mu          sync.Mutex
	paused      bool
	sweepCount  int
	lastSweepAt *time.Time
	purgedTotal int
	stuckJobs   []model.QueueJob

	now func() time.Time // stubbed in tests
}

// NewMonitor creates a monitor over store.
func NewMonitor(store Store, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Second
	}
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start begins the periodic sweep. Idempotent: a second call while running
// never creates a duplicate timer.
func (m *Monitor) Start() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running {
		return
	}
	if m.cron == nil {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.SweepInterval), m.runSweep); err != nil {
			m.logger.Error("queue sweep schedule failed", "error", err)
			return
		}
	}
	m.cron.Start()
	m.running = true
	m.logger.Info("queue monitor started",
		"interval", m.cfg.SweepInterval,
		"stuck_threshold", m.cfg.StuckThreshold,
		"retention_age", m.cfg.RetentionAge)
}

// Stop halts the periodic sweep. Idempotent.
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running {
		return
	}
	m.cron.Stop()
	m.running = false
	m.logger.Info("queue monitor stopped")
}

// Running reports whether the periodic sweep is active.
func (m *Monitor) Running() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.running
}

// PauseAll stops job intake for administrative draining. The sweep keeps
// running while paused.
func (m *Monitor) PauseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.logger.Info("queues paused")
}

// ResumeAll re-enables job intake.
func (m *Monitor) ResumeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.logger.Info("queues resumed")
}

// Paused reports whether intake is paused.
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// StuckJobs returns the stuck jobs found by the most recent sweep.
func (m *Monitor) StuckJobs() []model.QueueJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.QueueJob, len(m.stuckJobs))
	copy(out, m.stuckJobs)
	return out
}

// runSweep is the cron entrypoint.
func (m *Monitor) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepTimeout)
	defer cancel()
	m.sweep(ctx)
}

// sweep performs one pass: per-queue counts and processing-time averages,
// stuck-job detection, and purge of aged terminal jobs. Tests call it
// directly instead of waiting on the timer.
func (m *Monitor) sweep(ctx context.Context) {
	now := m.now()

	names, err := m.store.ListQueueNames(ctx)
	if err != nil {
		m.logger.Error("queue sweep: list queues", "error", err)
		return
	}
	for _, name := range names {
		counts, err := m.store.CountJobsByState(ctx, name)
		if err != nil {
			m.logger.Error("queue sweep: count jobs", "queue", name, "error", err)
			continue
		}
		avg, err := m.store.AverageProcessingTime(ctx, name)
		if err != nil {
			m.logger.Error("queue sweep: processing time", "queue", name, "error", err)
			continue
		}
		m.logger.Info("queue status",
			"queue", name,
			"waiting", counts[model.JobWaiting],
			"active", counts[model.JobActive],
			"completed", counts[model.JobCompleted],
			"failed", counts[model.JobFailed],
			"avg_processing_ms", avg.Milliseconds())
	}

	// Stuck jobs are reported, not killed: safe cancellation needs
	// cooperation from the job's own external calls.
	stuck, err := m.store.ListActiveOlderThan(ctx, now.Add(-m.cfg.StuckThreshold))
	if err != nil {
		m.logger.Error("queue sweep: stuck detection", "error", err)
		return
	}
	for _, j := range stuck {
		m.logger.Warn("stuck job detected",
			"job_id", j.ID, "queue", j.QueueName,
			"run_id", j.RunID, "started_at", j.StartedAt,
			"active_for", now.Sub(*j.StartedAt))
	}

	purged, err := m.store.DeleteTerminalBefore(ctx, now.Add(-m.cfg.RetentionAge))
	if err != nil {
		m.logger.Error("queue sweep: purge", "error", err)
		return
	}
	if purged > 0 {
		m.logger.Info("purged terminal jobs", "count", purged, "older_than", m.cfg.RetentionAge)
	}

	m.mu.Lock()
	m.sweepCount++
	m.lastSweepAt = &now
	m.purgedTotal += purged
	m.stuckJobs = stuck
	m.mu.Unlock()
}

// Cleanup purges aged terminal jobs on demand, outside the sweep cadence.
func (m *Monitor) Cleanup(ctx context.Context) (int, error) {
	purged, err := m.store.DeleteTerminalBefore(ctx, m.now().Add(-m.cfg.RetentionAge))
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	if purged > 0 {
		m.mu.Lock()
		m.purgedTotal += purged
		m.mu.Unlock()
		m.logger.Info("purged terminal jobs", "count", purged, "older_than", m.cfg.RetentionAge)
	}
	return purged, nil
}

// Metrics returns an on-demand snapshot combining live per-queue counts
// with the last sweep's findings.
func (m *Monitor) Metrics(ctx context.Context) (Metrics, error) {
	names, err := m.store.ListQueueNames(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("queue: metrics: %w", err)
	}

	queues := make(map[string]QueueStats, len(names))
	for _, name := range names {
		counts, err := m.store.CountJobsByState(ctx, name)
		if err != nil {
			return Metrics{}, fmt.Errorf("queue: metrics for %q: %w", name, err)
		}
		avg, err := m.store.AverageProcessingTime(ctx, name)
		if err != nil {
			return Metrics{}, fmt.Errorf("queue: metrics for %q: %w", name, err)
		}
		queues[name] = QueueStats{
			Waiting:         counts[model.JobWaiting],
			Active:          counts[model.JobActive],
			Completed:       counts[model.JobCompleted],
			Failed:          counts[model.JobFailed],
			AvgProcessingMs: avg.Milliseconds(),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stuck := make([]model.QueueJob, len(m.stuckJobs))
	copy(stuck, m.stuckJobs)
	return Metrics{
		IsRunning:   m.Running(),
		IsPaused:    m.paused,
		SweepCount:  m.sweepCount,
		LastSweepAt: m.lastSweepAt,
		PurgedTotal: m.purgedTotal,
		Queues:      queues,
		StuckJobs:   stuck,
	}, nil
}

// ResetMetrics clears the sweep counters and stuck-job snapshot.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepCount = 0
	m.lastSweepAt = nil
	m.purgedTotal = 0
	m.stuckJobs = nil
}
