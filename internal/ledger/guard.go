package ledger

import (
	"context"

	"github.com/google/uuid"
)

// DefaultAbortThreshold is the fraction of the budget limit at which the
// guard trips. Policy, not physics: the overshoot bound is one stage's
// spend, which this fraction does not model, so it stays configurable.
const DefaultAbortThreshold = 0.95

// Guard raises the stop signal before a run breaches its budget. The
// orchestrator consults it before launching each costly stage.
type Guard struct {
	svc       *Service
	threshold float64
}

// NewGuard creates a guard. A non-positive threshold uses the default.
func NewGuard(svc *Service, threshold float64) *Guard {
	if threshold <= 0 {
		threshold = DefaultAbortThreshold
	}
	return &Guard{svc: svc, threshold: threshold}
}

// Threshold returns the configured abort fraction.
func (g *Guard) Threshold() float64 { return g.threshold }

// ShouldAbort reports whether the run's spend has reached the abort
// threshold of its budget limit. Unmetered runs (zero limit) never abort.
func (g *Guard) ShouldAbort(ctx context.Context, runID uuid.UUID) (bool, error) {
	budget, err := g.svc.Status(ctx, runID)
	if err != nil {
		return false, err
	}
	if budget.BudgetLimit <= 0 {
		return false, nil
	}
	return budget.ActualCost >= g.threshold*budget.BudgetLimit, nil
}
