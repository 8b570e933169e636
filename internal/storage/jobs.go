package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/halcyon/internal/model"
)

// CreateJob enqueues a job in the waiting state.
func (db *DB) CreateJob(ctx context.Context, queueName string, runID *uuid.UUID) (model.QueueJob, error) {
	job := model.QueueJob{
		ID:         uuid.New(),
		QueueName:  queueName,
		RunID:      runID,
		State:      model.JobWaiting,
		EnqueuedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO queue_jobs (id, queue_name, run_id, state, enqueued_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		job.ID, job.QueueName, job.RunID, string(job.State), job.EnqueuedAt,
	)
	if err != nil {
		return model.QueueJob{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// MarkJobActive transitions a waiting job to active and stamps started_at.
func (db *DB) MarkJobActive(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = $1, started_at = $2 WHERE id = $3 AND state = $4`,
		string(model.JobActive), time.Now().UTC(), id, string(model.JobWaiting),
	)
	if err != nil {
		return fmt.Errorf("storage: mark job active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s not found or not waiting: %w", id, ErrNotFound)
	}
	return nil
}

// RequeueJob moves an active job back to waiting, clearing started_at.
// Used when the queue is paused before the job's work begins.
func (db *DB) RequeueJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = $1, started_at = NULL WHERE id = $2 AND state = $3`,
		string(model.JobWaiting), id, string(model.JobActive),
	)
	if err != nil {
		return fmt.Errorf("storage: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s not found or not active: %w", id, ErrNotFound)
	}
	return nil
}

// FinishJob transitions an active job to completed or failed.
func (db *DB) FinishJob(ctx context.Context, id uuid.UUID, state model.JobState, errMsg *string) error {
	if !state.Terminal() {
		return fmt.Errorf("storage: %q is not a terminal job state", state)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE queue_jobs SET state = $1, last_error = $2, finished_at = $3 WHERE id = $4 AND state = $5`,
		string(state), errMsg, time.Now().UTC(), id, string(model.JobActive),
	)
	if err != nil {
		return fmt.Errorf("storage: finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s not found or not active: %w", id, ErrNotFound)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.QueueJob, error) {
	var j model.QueueJob
	err := db.pool.QueryRow(ctx,
		`SELECT id, queue_name, run_id, state, last_error, enqueued_at, started_at, finished_at
		 FROM queue_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.QueueName, &j.RunID, &j.State, &j.LastError, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueueJob{}, fmt.Errorf("storage: get job %s: %w", id, ErrNotFound)
		}
		return model.QueueJob{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// CountJobsByState returns per-state counts for one queue.
func (db *DB) CountJobsByState(ctx context.Context, queueName string) (map[model.JobState]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT state, COUNT(*) FROM queue_jobs WHERE queue_name = $1 GROUP BY state`, queueName,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.JobState]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("storage: scan job count: %w", err)
		}
		counts[model.JobState(state)] = n
	}
	return counts, rows.Err()
}

// ListQueueNames returns the distinct queue names present in queue_jobs.
func (db *DB) ListQueueNames(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT DISTINCT queue_name FROM queue_jobs ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list queue names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan queue name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListActiveOlderThan returns active jobs whose started_at precedes cutoff.
// These are stuck-job candidates; the caller reports them, never kills them.
func (db *DB) ListActiveOlderThan(ctx context.Context, cutoff time.Time) ([]model.QueueJob, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, queue_name, run_id, state, last_error, enqueued_at, started_at, finished_at
		 FROM queue_jobs WHERE state = $1 AND started_at < $2 ORDER BY started_at`,
		string(model.JobActive), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stuck candidates: %w", err)
	}
	defer rows.Close()

	var jobs []model.QueueJob
	for rows.Next() {
		var j model.QueueJob
		if err := rows.Scan(&j.ID, &j.QueueName, &j.RunID, &j.State, &j.LastError, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteTerminalBefore purges completed and failed jobs finished before
// cutoff, returning the number removed.
func (db *DB) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE state IN ($1, $2) AND finished_at < $3`,
		string(model.JobCompleted), string(model.JobFailed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: purge terminal jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AverageProcessingTime computes the mean finished_at − started_at over
// completed jobs in one queue. Zero when no completed jobs exist.
func (db *DB) AverageProcessingTime(ctx context.Context, queueName string) (time.Duration, error) {
	var seconds *float64
	err := db.pool.QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (finished_at - started_at)))
		 FROM queue_jobs
		 WHERE queue_name = $1 AND state = $2 AND started_at IS NOT NULL AND finished_at IS NOT NULL`,
		queueName, string(model.JobCompleted),
	).Scan(&seconds)
	if err != nil {
		return 0, fmt.Errorf("storage: average processing time: %w", err)
	}
	if seconds == nil {
		return 0, nil
	}
	return time.Duration(*seconds * float64(time.Second)), nil
}
