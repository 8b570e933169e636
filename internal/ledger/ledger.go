// Package ledger meters run spend. It appends immutable cost events,
// maintains each run's actual-cost aggregate, and derives budget status
// for the guard that stops a run before it overspends.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/halcyon/internal/model"
	"github.com/halcyon-ai/halcyon/internal/storage"
)

// Sentinel errors.
var (
	// ErrRunNotFound is returned when a cost event references an unknown run.
	ErrRunNotFound = errors.New("ledger: run not found")
	// ErrUnknownKind is returned for cost event kinds without a unit price.
	ErrUnknownKind = errors.New("ledger: unknown cost event kind")
	// ErrInvalidQuantity is returned for negative quantities. Quantities are
	// counts of billable units; zero is allowed, refunds are not.
	ErrInvalidQuantity = errors.New("ledger: quantity must be non-negative")
	// ErrBudgetExceeded signals that a run has spent past its abort
	// threshold and must not start further costly work.
	ErrBudgetExceeded = errors.New("ledger: budget exceeded")
)

// PriceTable maps each cost event kind to its unit price. Derived cost is a
// pure function of quantity: quantity × unit price.
type PriceTable map[model.CostEventKind]float64

// DefaultPrices returns the built-in unit prices, overridable from config.
func DefaultPrices() PriceTable {
	return PriceTable{
		model.KindExternalRequest: 0.05,    // per content API request
		model.KindInferenceTokens: 0.00002, // per inference token
		model.KindAncillaryCall:   0.01,    // per ancillary service call
	}
}

// Store is the durable-store surface the ledger needs. Implementations
// return an error satisfying errors.Is(err, storage.ErrNotFound) when the
// run does not exist.
type Store interface {
	GetRunBudget(ctx context.Context, runID uuid.UUID) (model.RunBudget, error)
	InsertCostEvent(ctx context.Context, ev model.CostEvent) error
	UpdateRunActualCost(ctx context.Context, runID uuid.UUID, actual float64) error
}

// runTotals is the in-process accumulator for one run. Its mutex serializes
// concurrent appends for the run so no update is lost.
type runTotals struct {
	mu        sync.Mutex
	estimated float64
	limit     float64
	actual    float64
}

// Service is the cost ledger.
type Service struct {
	store  Store
	prices PriceTable
	logger *slog.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*runTotals
}

// New creates a ledger backed by store. A nil prices table uses defaults.
func New(store Store, prices PriceTable, logger *slog.Logger) *Service {
	if prices == nil {
		prices = DefaultPrices()
	}
	return &Service{
		store:  store,
		prices: prices,
		logger: logger,
		runs:   make(map[uuid.UUID]*runTotals),
	}
}

// Record computes the derived cost for (kind, quantity), appends the cost
// event, and updates the run's actual-cost aggregate. Returns ErrRunNotFound
// for unknown runs, ErrUnknownKind for unpriced kinds, and ErrInvalidQuantity
// for negative quantities.
func (s *Service) Record(ctx context.Context, runID uuid.UUID, kind model.CostEventKind, quantity float64) (model.CostEvent, error) {
	if quantity < 0 {
		return model.CostEvent{}, fmt.Errorf("%w, got %v", ErrInvalidQuantity, quantity)
	}
	price, ok := s.prices[kind]
	if !ok {
		return model.CostEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	rt, err := s.totals(ctx, runID)
	if err != nil {
		return model.CostEvent{}, err
	}

	ev := model.CostEvent{
		ID:          uuid.New(),
		RunID:       runID,
		Kind:        kind,
		Quantity:    quantity,
		DerivedCost: quantity * price,
		OccurredAt:  time.Now().UTC(),
	}

	// The per-run lock covers append + aggregate update so interleaved
	// read-modify-write cannot lose an update.
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if err := s.store.InsertCostEvent(ctx, ev); err != nil {
		return model.CostEvent{}, fmt.Errorf("ledger: append cost event: %w", err)
	}
	rt.actual += ev.DerivedCost
	if err := s.store.UpdateRunActualCost(ctx, runID, rt.actual); err != nil {
		return model.CostEvent{}, fmt.Errorf("ledger: update actual cost: %w", err)
	}

	s.logger.Debug("cost event recorded",
		"run_id", runID, "kind", kind,
		"quantity", quantity, "derived_cost", ev.DerivedCost,
		"actual_cost", rt.actual)
	return ev, nil
}

// Status returns the run's current budget standing.
func (s *Service) Status(ctx context.Context, runID uuid.UUID) (model.RunBudget, error) {
	rt, err := s.totals(ctx, runID)
	if err != nil {
		return model.RunBudget{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return model.RunBudget{
		RunID:         runID,
		EstimatedCost: rt.estimated,
		BudgetLimit:   rt.limit,
		ActualCost:    rt.actual,
		Status:        statusFor(rt.actual, rt.limit),
	}, nil
}

// Release drops the run's in-process accumulator. Called when a run reaches
// a terminal state; subsequent Status calls reload from the store.
func (s *Service) Release(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}

// totals returns the run's accumulator, loading it from the store on first
// use.
func (s *Service) totals(ctx context.Context, runID uuid.UUID) (*runTotals, error) {
	s.mu.Lock()
	rt, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		return rt, nil
	}

	budget, err := s.store.GetRunBudget(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("ledger: load run budget: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have loaded it while we queried.
	if rt, ok := s.runs[runID]; ok {
		return rt, nil
	}
	rt = &runTotals{
		estimated: budget.EstimatedCost,
		limit:     budget.BudgetLimit,
		actual:    budget.ActualCost,
	}
	s.runs[runID] = rt
	return rt, nil
}

// statusFor classifies spend against the limit. A zero limit means the run
// is unmetered.
func statusFor(actual, limit float64) model.BudgetStatus {
	switch {
	case limit <= 0:
		return model.BudgetWithinBudget
	case actual >= limit:
		return model.BudgetExceeded
	case actual >= 0.8*limit:
		return model.BudgetApproachingLimit
	default:
		return model.BudgetWithinBudget
	}
}

// Accuracy scores an estimate against the actual spend as a percentage in
// [0,100]. A zero actual is defined as 100 (nothing was spent, nothing to
// mispredict against).
func Accuracy(estimated, actual float64) float64 {
	if actual == 0 {
		return 100
	}
	acc := 100 - math.Abs(estimated-actual)/actual*100
	return math.Min(100, math.Max(0, acc))
}
