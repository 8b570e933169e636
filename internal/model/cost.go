package model

import (
	"time"

	"github.com/google/uuid"
)

// CostEventKind enumerates the billable units of work a run can incur.
type CostEventKind string

const (
	KindExternalRequest CostEventKind = "external-request"
	KindInferenceTokens CostEventKind = "inference-tokens"
	KindAncillaryCall   CostEventKind = "ancillary-service-call"
)

// CostEvent is one billable unit of work performed during a run.
// Immutable once appended.
type CostEvent struct {
	ID          uuid.UUID     `json:"id"`
	RunID       uuid.UUID     `json:"run_id"`
	Kind        CostEventKind `json:"kind"`
	Quantity    float64       `json:"quantity"`
	DerivedCost float64       `json:"derived_cost"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// BudgetStatus classifies a run's spend against its approved limit.
type BudgetStatus string

const (
	BudgetWithinBudget     BudgetStatus = "within_budget"
	BudgetApproachingLimit BudgetStatus = "approaching_limit"
	BudgetExceeded         BudgetStatus = "exceeded"
)

// RunBudget is the derived budget view for a run. ActualCost always equals
// the sum of the run's CostEvents at any quiescent point.
type RunBudget struct {
	RunID         uuid.UUID    `json:"run_id"`
	EstimatedCost float64      `json:"estimated_cost"`
	BudgetLimit   float64      `json:"budget_limit"`
	ActualCost    float64      `json:"actual_cost"`
	Status        BudgetStatus `json:"status"`
}
