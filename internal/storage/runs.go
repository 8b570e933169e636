package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/halcyon-ai/halcyon/internal/model"
)

// CreateRun inserts a new pipeline run in the pending state and returns it.
func (db *DB) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error) {
	run := model.Run{
		ID:            uuid.New(),
		Topic:         req.Topic,
		Sources:       req.Sources,
		Status:        model.RunStatusPending,
		Progress:      model.RunProgress{Message: "run queued"},
		EstimatedCost: req.EstimatedCost,
		BudgetLimit:   req.BudgetLimit,
		Configuration: req.Configuration,
		CreatedAt:     time.Now().UTC(),
	}
	if run.Configuration == nil {
		run.Configuration = map[string]any{}
	}

	progress, err := json.Marshal(run.Progress)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal progress: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO runs (id, topic, sources, status, progress, estimated_cost, budget_limit, actual_cost, configuration, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		run.ID, run.Topic, run.Sources, string(run.Status), progress,
		run.EstimatedCost, run.BudgetLimit, run.Configuration, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var (
		run      model.Run
		progress []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, topic, sources, status, progress, estimated_cost, budget_limit, actual_cost, configuration, report, created_at, started_at, completed_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Topic, &run.Sources, &run.Status, &progress,
		&run.EstimatedCost, &run.BudgetLimit, &run.ActualCost,
		&run.Configuration, &run.Report, &run.CreatedAt, &run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &run.Progress); err != nil {
			return model.Run{}, fmt.Errorf("storage: unmarshal progress: %w", err)
		}
	}
	return run, nil
}

// GetRunBudget returns the budget view of a run for the cost ledger.
func (db *DB) GetRunBudget(ctx context.Context, runID uuid.UUID) (model.RunBudget, error) {
	var b model.RunBudget
	b.RunID = runID
	err := db.pool.QueryRow(ctx,
		`SELECT estimated_cost, budget_limit, actual_cost FROM runs WHERE id = $1`, runID,
	).Scan(&b.EstimatedCost, &b.BudgetLimit, &b.ActualCost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunBudget{}, fmt.Errorf("storage: run budget %s: %w", runID, ErrNotFound)
		}
		return model.RunBudget{}, fmt.Errorf("storage: run budget: %w", err)
	}
	return b, nil
}

// StartRun moves a pending run to running and stamps started_at.
func (db *DB) StartRun(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(model.RunStatusRunning), time.Now().UTC(), id, string(model.RunStatusPending),
	)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or not pending: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRunProgress overwrites the run's live progress value. Terminal runs
// are immutable; updating one reports ErrNotFound.
func (db *DB) UpdateRunProgress(ctx context.Context, id uuid.UUID, p model.RunProgress) error {
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: marshal progress: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET progress = $1 WHERE id = $2 AND status IN ($3, $4)`,
		progress, id, string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or terminal: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateRunActualCost writes the run's derived actual-cost aggregate.
func (db *DB) UpdateRunActualCost(ctx context.Context, runID uuid.UUID, actual float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET actual_cost = $1 WHERE id = $2`, actual, runID,
	)
	if err != nil {
		return fmt.Errorf("storage: update actual cost: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SetRunReport stores the report produced by the reporting stage.
func (db *DB) SetRunReport(ctx context.Context, id uuid.UUID, report string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET report = $1 WHERE id = $2`, report, id,
	)
	if err != nil {
		return fmt.Errorf("storage: set report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteRun marks a run as completed or failed with its final progress.
// Only running or pending runs can be completed.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, p model.RunProgress) error {
	if status != model.RunStatusCompleted && status != model.RunStatusFailed {
		return fmt.Errorf("storage: invalid terminal status %q", status)
	}
	progress, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: marshal progress: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, progress = $2, completed_at = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(status), progress, time.Now().UTC(), id,
		string(model.RunStatusPending), string(model.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not found or already terminal: %w", id, ErrNotFound)
	}
	return nil
}
