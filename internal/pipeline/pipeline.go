// Package pipeline drives a run through its stages: initializing,
// collecting, analyzing, reporting. External calls go through the matching
// circuit breaker, every billable unit is metered against the run's budget,
// and the budget guard can abort the run between stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/halcyon-ai/halcyon/internal/breaker"
	"github.com/halcyon-ai/halcyon/internal/inference"
	"github.com/halcyon-ai/halcyon/internal/ledger"
	"github.com/halcyon-ai/halcyon/internal/model"
	"github.com/halcyon-ai/halcyon/internal/source"
)

// Breaker names, one per external dependency.
const (
	ContentBreaker   = "content-api"
	InferenceBreaker = "inference-api"
)

// QueueName is the queue that tracks run executions.
const QueueName = "runs"

// Store is the persistence surface the orchestrator needs, implemented by
// *storage.DB.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	StartRun(ctx context.Context, id uuid.UUID) error
	UpdateRunProgress(ctx context.Context, id uuid.UUID, p model.RunProgress) error
	SetRunReport(ctx context.Context, id uuid.UUID, report string) error
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, p model.RunProgress) error

	MarkJobActive(ctx context.Context, id uuid.UUID) error
	RequeueJob(ctx context.Context, id uuid.UUID) error
	FinishJob(ctx context.Context, id uuid.UUID, state model.JobState, errMsg *string) error
}

// Meter records billable work and reports budget standing. Implemented by
// *ledger.Service.
type Meter interface {
	Record(ctx context.Context, runID uuid.UUID, kind model.CostEventKind, quantity float64) (model.CostEvent, error)
	Status(ctx context.Context, runID uuid.UUID) (model.RunBudget, error)
	Release(runID uuid.UUID)
}

// AbortGuard decides whether a run has spent too much to continue.
// Implemented by *ledger.Guard.
type AbortGuard interface {
	ShouldAbort(ctx context.Context, runID uuid.UUID) (bool, error)
}

// Pauser reports whether job intake is administratively paused. Implemented
// by *queue.Monitor.
type Pauser interface {
	Paused() bool
}

// Orchestrator executes runs. Each Execute call owns exactly one run;
// concurrent runs share nothing but the breakers and the ledger.
type Orchestrator struct {
	store     Store
	registry  *breaker.Registry
	meter     Meter
	guard     AbortGuard
	pauser    Pauser
	collector source.Collector
	analyzer  inference.Analyzer
	logger    *slog.Logger
}

// New creates an orchestrator. Both breakers must already exist in the
// registry.
func New(
	store Store,
	registry *breaker.Registry,
	meter Meter,
	guard AbortGuard,
	pauser Pauser,
	collector source.Collector,
	analyzer inference.Analyzer,
	logger *slog.Logger,
) (*Orchestrator, error) {
	for _, name := range []string{ContentBreaker, InferenceBreaker} {
		if _, err := registry.Get(name); err != nil {
			return nil, fmt.Errorf("pipeline: breaker %q: %w", name, err)
		}
	}
	return &Orchestrator{
		store:     store,
		registry:  registry,
		meter:     meter,
		guard:     guard,
		pauser:    pauser,
		collector: collector,
		analyzer:  analyzer,
		logger:    logger,
	}, nil
}

// Execute drives one run to a terminal state. It is meant to run in its own
// goroutine; the returned error is also reflected in the run record.
func (o *Orchestrator) Execute(ctx context.Context, runID, jobID uuid.UUID) error {
	if o.pauser.Paused() {
		if err := o.store.RequeueJob(ctx, jobID); err != nil {
			return fmt.Errorf("pipeline: requeue while paused: %w", err)
		}
		o.logger.Info("run deferred, queues paused", "run_id", runID, "job_id", jobID)
		return nil
	}

	if err := o.store.MarkJobActive(ctx, jobID); err != nil {
		return fmt.Errorf("pipeline: claim job: %w", err)
	}

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return o.fail(ctx, runID, jobID, model.StageInitializing, fmt.Errorf("load run: %w", err))
	}
	if err := o.store.StartRun(ctx, runID); err != nil {
		return o.fail(ctx, runID, jobID, model.StageInitializing, fmt.Errorf("start run: %w", err))
	}

	o.logger.Info("run started",
		"run_id", runID,
		"topic", run.Topic,
		"sources", len(run.Sources),
		"budget_limit", run.BudgetLimit)

	if err := o.advance(ctx, runID, model.StageInitializing, "run initialized"); err != nil {
		return o.fail(ctx, runID, jobID, model.StageInitializing, err)
	}

	docs, err := o.collect(ctx, run)
	if err != nil {
		return o.fail(ctx, runID, jobID, model.StageCollecting, err)
	}
	if err := o.advance(ctx, runID, model.StageCollecting,
		fmt.Sprintf("collected %d documents", len(docs))); err != nil {
		return o.fail(ctx, runID, jobID, model.StageCollecting, err)
	}

	analysis, err := o.analyze(ctx, run, docs)
	if err != nil {
		return o.fail(ctx, runID, jobID, model.StageAnalyzing, err)
	}
	if err := o.advance(ctx, runID, model.StageAnalyzing, "analysis complete"); err != nil {
		return o.fail(ctx, runID, jobID, model.StageAnalyzing, err)
	}

	if err := o.report(ctx, run, analysis); err != nil {
		return o.fail(ctx, runID, jobID, model.StageReporting, err)
	}
	if err := o.advance(ctx, runID, model.StageReporting, "report written"); err != nil {
		return o.fail(ctx, runID, jobID, model.StageReporting, err)
	}

	return o.complete(ctx, runID, jobID)
}

// advance checks the budget guard, then persists the stage transition.
// Guard violations surface as ledger.ErrBudgetExceeded so fail can name
// the reason.
func (o *Orchestrator) advance(ctx context.Context, runID uuid.UUID, stage model.RunStage, message string) error {
	abort, err := o.guard.ShouldAbort(ctx, runID)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}
	if abort {
		return ledger.ErrBudgetExceeded
	}
	p := model.RunProgress{
		Stage:      stage,
		Message:    message,
		Percentage: model.StagePercentage(stage),
	}
	if err := o.store.UpdateRunProgress(ctx, runID, p); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	o.logger.Info("stage complete",
		"run_id", runID, "stage", stage, "percentage", p.Percentage)
	return nil
}

// collect fans out over the run's sources. Every fetch goes through the
// content-api breaker individually, so one slow source trips the breaker
// without hiding behind its siblings.
func (o *Orchestrator) collect(ctx context.Context, run model.Run) ([]source.Document, error) {
	cb, err := o.registry.Get(ContentBreaker)
	if err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		docs = make([]source.Document, 0, len(run.Sources))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range run.Sources {
		g.Go(func() error {
			doc, err := breaker.Do(cb, func() (source.Document, error) {
				return o.collector.Fetch(gctx, run.Topic, src)
			})
			if err != nil {
				return fmt.Errorf("collect %s: %w", src, err)
			}
			mu.Lock()
			docs = append(docs, doc)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if _, err := o.meter.Record(ctx, run.ID, model.KindExternalRequest, float64(len(run.Sources))); err != nil {
		return nil, fmt.Errorf("meter collection: %w", err)
	}
	return docs, nil
}

// analyze runs one inference call over the collected material.
func (o *Orchestrator) analyze(ctx context.Context, run model.Run, docs []source.Document) (string, error) {
	ib, err := o.registry.Get(InferenceBreaker)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", run.Topic)
	for _, doc := range docs {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", doc.Title, doc.Source, doc.Content)
	}

	result, err := breaker.Do(ib, func() (inference.Result, error) {
		return o.analyzer.Analyze(ctx, inference.Request{
			System: "Analyze the following source material. Identify the key findings.",
			Prompt: b.String(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("analyze: %w", err)
	}

	if _, err := o.meter.Record(ctx, run.ID, model.KindInferenceTokens, float64(result.Tokens)); err != nil {
		return "", fmt.Errorf("meter analysis: %w", err)
	}
	return result.Text, nil
}

// report turns the analysis into the final report and persists it. The
// report-assembly service call is billed as one ancillary call on top of
// the inference tokens.
func (o *Orchestrator) report(ctx context.Context, run model.Run, analysis string) error {
	ib, err := o.registry.Get(InferenceBreaker)
	if err != nil {
		return err
	}

	result, err := breaker.Do(ib, func() (inference.Result, error) {
		return o.analyzer.Analyze(ctx, inference.Request{
			System: "Write a structured report from the analysis below.",
			Prompt: fmt.Sprintf("Topic: %s\n\n%s", run.Topic, analysis),
		})
	})
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	if _, err := o.meter.Record(ctx, run.ID, model.KindInferenceTokens, float64(result.Tokens)); err != nil {
		return fmt.Errorf("meter report tokens: %w", err)
	}
	if _, err := o.meter.Record(ctx, run.ID, model.KindAncillaryCall, 1); err != nil {
		return fmt.Errorf("meter report assembly: %w", err)
	}
	if err := o.store.SetRunReport(ctx, run.ID, result.Text); err != nil {
		return fmt.Errorf("persist report: %w", err)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, runID, jobID uuid.UUID) error {
	p := model.RunProgress{
		Stage:      model.StageCompleted,
		Message:    "run completed",
		Percentage: model.StagePercentage(model.StageCompleted),
	}
	if err := o.store.CompleteRun(ctx, runID, model.RunStatusCompleted, p); err != nil {
		return fmt.Errorf("pipeline: complete run: %w", err)
	}
	if err := o.store.FinishJob(ctx, jobID, model.JobCompleted, nil); err != nil {
		o.logger.Error("finish job", "job_id", jobID, "error", err)
	}
	o.logAccuracy(ctx, runID)
	o.meter.Release(runID)
	o.logger.Info("run completed", "run_id", runID)
	return nil
}

// fail marks the run and its job failed. Progress from already-completed
// stages stays in place; only the progress record moves to the failed stage
// with the error message. There is no automatic retry.
func (o *Orchestrator) fail(ctx context.Context, runID, jobID uuid.UUID, stage model.RunStage, cause error) error {
	message := fmt.Sprintf("%s stage failed: %v", stage, cause)
	if errors.Is(cause, ledger.ErrBudgetExceeded) {
		message = "budget exceeded"
	}

	p := model.RunProgress{
		Stage:      model.StageFailed,
		Message:    message,
		Percentage: model.StagePercentage(stage),
	}
	if err := o.store.CompleteRun(ctx, runID, model.RunStatusFailed, p); err != nil {
		o.logger.Error("mark run failed", "run_id", runID, "error", err)
	}
	errMsg := message
	if err := o.store.FinishJob(ctx, jobID, model.JobFailed, &errMsg); err != nil {
		o.logger.Error("finish job", "job_id", jobID, "error", err)
	}
	o.logAccuracy(ctx, runID)
	o.meter.Release(runID)

	o.logger.Error("run failed",
		"run_id", runID, "stage", stage, "error", cause)
	return fmt.Errorf("pipeline: run %s: %s: %w", runID, stage, cause)
}

func (o *Orchestrator) logAccuracy(ctx context.Context, runID uuid.UUID) {
	budget, err := o.meter.Status(ctx, runID)
	if err != nil {
		o.logger.Warn("cost status unavailable", "run_id", runID, "error", err)
		return
	}
	o.logger.Info("run cost summary",
		"run_id", runID,
		"estimated_cost", budget.EstimatedCost,
		"actual_cost", budget.ActualCost,
		"estimate_accuracy", ledger.Accuracy(budget.EstimatedCost, budget.ActualCost))
}
