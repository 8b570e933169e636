package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/halcyon/internal/breaker"
	"github.com/halcyon-ai/halcyon/internal/ledger"
	"github.com/halcyon-ai/halcyon/internal/model"
	"github.com/halcyon-ai/halcyon/internal/pipeline"
	"github.com/halcyon-ai/halcyon/internal/queue"
	"github.com/halcyon-ai/halcyon/internal/storage"
)

// Store is the persistence surface the handlers need, implemented by
// *storage.DB.
type Store interface {
	CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	CreateJob(ctx context.Context, queueName string, runID *uuid.UUID) (model.QueueJob, error)
}

// Meter records billable work and reports budget standing. Implemented by
// *ledger.Service.
type Meter interface {
	Record(ctx context.Context, runID uuid.UUID, kind model.CostEventKind, quantity float64) (model.CostEvent, error)
	Status(ctx context.Context, runID uuid.UUID) (model.RunBudget, error)
}

// Executor runs a submitted run to completion. Implemented by
// *pipeline.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, runID, jobID uuid.UUID) error
}

// Handlers owns all HTTP handler methods.
type Handlers struct {
	store     Store
	registry  *breaker.Registry
	meter     Meter
	monitor   *queue.Monitor
	executor  Executor
	logger    *slog.Logger
	startedAt time.Time
	version   string
	// execTimeout bounds the background goroutine a run executes in.
	execTimeout time.Duration
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store       Store
	Registry    *breaker.Registry
	Meter       Meter
	Monitor     *queue.Monitor
	Executor    Executor
	Logger      *slog.Logger
	Version     string
	ExecTimeout time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.ExecTimeout <= 0 {
		d.ExecTimeout = 10 * time.Minute
	}
	return &Handlers{
		store:       d.Store,
		registry:    d.Registry,
		meter:       d.Meter,
		monitor:     d.Monitor,
		executor:    d.Executor,
		logger:      d.Logger,
		startedAt:   time.Now(),
		version:     d.Version,
		execTimeout: d.ExecTimeout,
	}
}

// HandleCreateRun handles POST /v1/runs: persists the run, enqueues its
// tracking job, and starts execution in the background.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := model.ValidateCreateRun(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.CreateRun(r.Context(), req)
	if err != nil {
		h.logger.Error("create run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	job, err := h.store.CreateJob(r.Context(), pipeline.QueueName, &run.ID)
	if err != nil {
		h.logger.Error("enqueue run", "run_id", run.ID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to enqueue run")
		return
	}

	// The run outlives this request; it gets its own deadline.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.execTimeout)
		defer cancel()
		if err := h.executor.Execute(ctx, run.ID, job.ID); err != nil {
			h.logger.Error("run execution", "run_id", run.ID, "error", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetRunCost handles GET /v1/runs/{run_id}/cost.
func (h *Handlers) HandleGetRunCost(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	budget, err := h.meter.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, ledger.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("run cost status", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load cost status")
		return
	}
	writeJSON(w, r, http.StatusOK, budget)
}

// HandleRecordCostEvent handles POST /v1/runs/{run_id}/events: records one
// billable unit of work against the run.
func (h *Handlers) HandleRecordCostEvent(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	var req model.RecordCostEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	event, err := h.meter.Record(r.Context(), runID, req.Kind, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRunNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, ledger.ErrUnknownKind):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown cost event kind")
		case errors.Is(err, ledger.ErrInvalidQuantity):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "quantity must be non-negative")
		default:
			h.logger.Error("record cost event", "run_id", runID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record cost event")
		}
		return
	}

	budget, err := h.meter.Status(r.Context(), runID)
	if err != nil {
		h.logger.Error("budget status after event", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load budget status")
		return
	}

	writeJSON(w, r, http.StatusCreated, model.RecordCostEventResponse{
		Event:          event,
		TrackingStatus: budget.Status,
	})
}

// healthDetail is the full /health payload: the overall verdict plus
// per-breaker detail.
type healthDetail struct {
	Status   string                    `json:"status"`
	Summary  model.HealthSummary       `json:"summary"`
	Breakers map[string]breaker.Health `json:"breakers"`
	Version  string                    `json:"version"`
	UptimeS  int64                     `json:"uptime_seconds"`
}

// HandleHealth handles GET /health. Status codes follow breaker state:
// 200 all healthy, 206 some breakers open or degraded, 503 every breaker open.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	breakers := h.registry.HealthStatus()

	summary := model.HealthSummary{Total: len(breakers)}
	open := 0
	for _, bh := range breakers {
		if bh.IsHealthy {
			summary.Healthy++
		}
		if bh.State == breaker.StateOpen {
			open++
		}
	}
	summary.Open = open
	if summary.Total > 0 {
		summary.HealthPercentage = float64(summary.Healthy) / float64(summary.Total) * 100
	} else {
		summary.HealthPercentage = 100
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case summary.Total > 0 && open == summary.Total:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case summary.Healthy < summary.Total:
		status = "degraded"
		httpStatus = http.StatusPartialContent
	}

	writeJSON(w, r, httpStatus, healthDetail{
		Status:   status,
		Summary:  summary,
		Breakers: breakers,
		Version:  h.version,
		UptimeS:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// pathUUID parses a UUID path value, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
