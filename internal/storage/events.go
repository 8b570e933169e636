package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/halcyon-ai/halcyon/internal/model"
)

// InsertCostEvent appends a cost event. Rows are append-only; there is no
// update or delete path.
func (db *DB) InsertCostEvent(ctx context.Context, ev model.CostEvent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO cost_events (id, run_id, kind, quantity, derived_cost, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.RunID, string(ev.Kind), ev.Quantity, ev.DerivedCost, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert cost event: %w", err)
	}
	return nil
}

// ListCostEvents returns a run's cost events ordered by occurrence.
func (db *DB) ListCostEvents(ctx context.Context, runID uuid.UUID) ([]model.CostEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, kind, quantity, derived_cost, occurred_at
		 FROM cost_events WHERE run_id = $1 ORDER BY occurred_at`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cost events: %w", err)
	}
	defer rows.Close()

	var events []model.CostEvent
	for rows.Next() {
		var ev model.CostEvent
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.Quantity, &ev.DerivedCost, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan cost event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SumCostEvents recomputes a run's actual cost from its events. Used to
// audit the cached aggregate on the run row.
func (db *DB) SumCostEvents(ctx context.Context, runID uuid.UUID) (float64, error) {
	var sum float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(derived_cost), 0) FROM cost_events WHERE run_id = $1`, runID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("storage: sum cost events: %w", err)
	}
	return sum, nil
}
