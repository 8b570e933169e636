package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-ai/halcyon/internal/auth"
	"github.com/halcyon-ai/halcyon/internal/breaker"
	"github.com/halcyon-ai/halcyon/internal/ledger"
	"github.com/halcyon-ai/halcyon/internal/model"
	"github.com/halcyon-ai/halcyon/internal/pipeline"
	"github.com/halcyon-ai/halcyon/internal/queue"
	"github.com/halcyon-ai/halcyon/internal/ratelimit"
	"github.com/halcyon-ai/halcyon/internal/server"
	"github.com/halcyon-ai/halcyon/internal/storage"
)

const testAdminKey = "test-admin-key"

type fakeStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
	jobs map[uuid.UUID]model.QueueJob
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs: make(map[uuid.UUID]model.Run),
		jobs: make(map[uuid.UUID]model.QueueJob),
	}
}

func (f *fakeStore) CreateRun(_ context.Context, req model.CreateRunRequest) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := model.Run{
		ID:            uuid.New(),
		Topic:         req.Topic,
		Sources:       req.Sources,
		Status:        model.RunStatusPending,
		EstimatedCost: req.EstimatedCost,
		BudgetLimit:   req.BudgetLimit,
		CreatedAt:     time.Now().UTC(),
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeStore) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) CreateJob(_ context.Context, queueName string, runID *uuid.UUID) (model.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := model.QueueJob{ID: uuid.New(), QueueName: queueName, RunID: runID, State: model.JobWaiting}
	f.jobs[job.ID] = job
	return job, nil
}

type fakeMeter struct {
	mu        sync.Mutex
	recordErr error
	statusErr error
	budget    model.RunBudget
}

func (f *fakeMeter) Record(_ context.Context, runID uuid.UUID, kind model.CostEventKind, quantity float64) (model.CostEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return model.CostEvent{}, f.recordErr
	}
	return model.CostEvent{ID: uuid.New(), RunID: runID, Kind: kind, Quantity: quantity}, nil
}

func (f *fakeMeter) Status(context.Context, uuid.UUID) (model.RunBudget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return model.RunBudget{}, f.statusErr
	}
	return f.budget, nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []uuid.UUID
	done  chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{done: make(chan struct{}, 16)}
}

func (f *fakeExecutor) Execute(_ context.Context, runID, _ uuid.UUID) error {
	f.mu.Lock()
	f.calls = append(f.calls, runID)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

type emptyQueueStore struct{}

func (emptyQueueStore) ListQueueNames(context.Context) ([]string, error) { return nil, nil }
func (emptyQueueStore) CountJobsByState(context.Context, string) (map[model.JobState]int, error) {
	return map[model.JobState]int{}, nil
}
func (emptyQueueStore) AverageProcessingTime(context.Context, string) (time.Duration, error) {
	return 0, nil
}
func (emptyQueueStore) ListActiveOlderThan(context.Context, time.Time) ([]model.QueueJob, error) {
	return nil, nil
}
func (emptyQueueStore) DeleteTerminalBefore(context.Context, time.Time) (int, error) {
	return 0, nil
}

type fixture struct {
	handler  http.Handler
	store    *fakeStore
	meter    *fakeMeter
	executor *fakeExecutor
	registry *breaker.Registry
	monitor  *queue.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry := breaker.NewRegistry(logger, time.Minute, nil)
	for _, cfg := range []breaker.Config{
		{Name: pipeline.ContentBreaker, FailureThreshold: 0.5, MinimumThroughput: 2, ResetTimeout: time.Minute, MonitoringPeriod: time.Minute},
		{Name: pipeline.InferenceBreaker, FailureThreshold: 0.5, MinimumThroughput: 2, ResetTimeout: time.Minute, MonitoringPeriod: time.Minute},
	} {
		require.NoError(t, registry.Create(cfg))
	}

	monitor, err := queue.NewMonitor(emptyQueueStore{}, queue.Config{
		SweepInterval:  time.Minute,
		StuckThreshold: 10 * time.Minute,
		RetentionAge:   24 * time.Hour,
	}, logger)
	require.NoError(t, err)

	f := &fixture{
		store:    newFakeStore(),
		meter:    &fakeMeter{},
		executor: newFakeExecutor(),
		registry: registry,
		monitor:  monitor,
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		Store:    f.store,
		Registry: registry,
		Meter:    f.meter,
		Monitor:  monitor,
		Executor: f.executor,
		Logger:   logger,
		Version:  "test",
	})

	verifier, err := auth.NewAdminVerifier(testAdminKey)
	require.NoError(t, err)

	srv := server.New(server.Config{
		Handlers:            handlers,
		Verifier:            verifier,
		Limiter:             ratelimit.NoopLimiter{},
		Logger:              logger,
		Port:                0,
		MaxRequestBodyBytes: 1 << 20,
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Key": testAdminKey}
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/runs", model.CreateRunRequest{
		Topic:         "grid stability",
		Sources:       []string{"alpha", "beta"},
		EstimatedCost: 10,
		BudgetLimit:   25,
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decodeData[model.Run](t, rec)
	assert.Equal(t, "grid stability", run.Topic)
	assert.Equal(t, model.RunStatusPending, run.Status)

	select {
	case <-f.executor.done:
	case <-time.After(time.Second):
		t.Fatal("executor was not invoked")
	}
}

func TestCreateRun_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  model.CreateRunRequest
	}{
		{"missing topic", model.CreateRunRequest{Sources: []string{"a"}}},
		{"no sources", model.CreateRunRequest{Topic: "t"}},
		{"negative budget", model.CreateRunRequest{Topic: "t", Sources: []string{"a"}, BudgetLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/runs", tt.req, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Error.Code)
		})
	}
}

func TestCreateRun_MalformedBody(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	run, err := f.store.CreateRun(context.Background(), model.CreateRunRequest{
		Topic: "t", Sources: []string{"a"},
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[model.Run](t, rec)
	assert.Equal(t, run.ID, got.ID)
}

func TestGetRun_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Error.Code)
}

func TestGetRun_BadID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRunCost(t *testing.T) {
	f := newFixture(t)
	runID := uuid.New()
	f.meter.budget = model.RunBudget{
		RunID:       runID,
		BudgetLimit: 25,
		ActualCost:  21,
		Status:      model.BudgetApproachingLimit,
	}

	rec := f.do(t, http.MethodGet, "/v1/runs/"+runID.String()+"/cost", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	budget := decodeData[model.RunBudget](t, rec)
	assert.Equal(t, model.BudgetApproachingLimit, budget.Status)
}

func TestGetRunCost_NotFound(t *testing.T) {
	f := newFixture(t)
	f.meter.statusErr = ledger.ErrRunNotFound
	rec := f.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString()+"/cost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordCostEvent(t *testing.T) {
	f := newFixture(t)
	f.meter.budget = model.RunBudget{Status: model.BudgetWithinBudget}

	rec := f.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/events",
		model.RecordCostEventRequest{Kind: model.KindExternalRequest, Quantity: 3}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeData[model.RecordCostEventResponse](t, rec)
	assert.Equal(t, model.KindExternalRequest, resp.Event.Kind)
	assert.Equal(t, model.BudgetWithinBudget, resp.TrackingStatus)
}

func TestRecordCostEvent_Errors(t *testing.T) {
	tests := []struct {
		name       string
		meterErr   error
		wantStatus int
		wantCode   string
	}{
		{"unknown run", ledger.ErrRunNotFound, http.StatusNotFound, model.ErrCodeNotFound},
		{"unknown kind", ledger.ErrUnknownKind, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"negative quantity", fmt.Errorf("%w, got -1", ledger.ErrInvalidQuantity), http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"store failure", fmt.Errorf("ledger: append cost event: %w", errors.New("connection refused")), http.StatusInternalServerError, model.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.meter.recordErr = tt.meterErr
			rec := f.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/events",
				model.RecordCostEventRequest{Kind: model.KindExternalRequest, Quantity: 1}, nil)
			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
			assert.NotContains(t, rec.Body.String(), "connection refused",
				"backend failure detail must not reach the client")
		})
	}
}

func tripBreaker(t *testing.T, r *breaker.Registry, name string) {
	t.Helper()
	b, err := r.Get(name)
	require.NoError(t, err)
	boom := errors.New("dependency down")
	for i := 0; i < 3; i++ {
		_, _ = breaker.Do(b, func() (struct{}, error) { return struct{}{}, boom })
	}
	require.Equal(t, breaker.StateOpen, b.State())
}

func TestHealth_AllHealthy(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Data struct {
			Status  string              `json:"status"`
			Summary model.HealthSummary `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "healthy", envelope.Data.Status)
	assert.Equal(t, 2, envelope.Data.Summary.Total)
	assert.Equal(t, 2, envelope.Data.Summary.Healthy)
	assert.Equal(t, 100.0, envelope.Data.Summary.HealthPercentage)
}

func TestHealth_Degraded(t *testing.T) {
	f := newFixture(t)
	tripBreaker(t, f.registry, pipeline.ContentBreaker)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusPartialContent, rec.Code)

	var envelope struct {
		Data struct {
			Status  string              `json:"status"`
			Summary model.HealthSummary `json:"summary"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "degraded", envelope.Data.Status)
	assert.Equal(t, 1, envelope.Data.Summary.Open)
}

func TestHealth_Unhealthy(t *testing.T) {
	f := newFixture(t)
	tripBreaker(t, f.registry, pipeline.ContentBreaker)
	tripBreaker(t, f.registry, pipeline.InferenceBreaker)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_RequiresKey(t *testing.T) {
	f := newFixture(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/admin/breakers"},
		{http.MethodGet, "/v1/admin/queue"},
		{http.MethodPost, "/v1/admin/queue"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := f.do(t, p.method, p.path, nil, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			rec = f.do(t, p.method, p.path, nil, map[string]string{"X-Admin-Key": "wrong"})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAdminBreakers_ResetOne(t *testing.T) {
	f := newFixture(t)
	tripBreaker(t, f.registry, pipeline.ContentBreaker)

	rec := f.do(t, http.MethodPost, "/v1/admin/breakers",
		model.BreakerAdminRequest{Action: "reset", Breaker: pipeline.ContentBreaker}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	b, err := f.registry.Get(pipeline.ContentBreaker)
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestAdminBreakers_ResetAll(t *testing.T) {
	f := newFixture(t)
	tripBreaker(t, f.registry, pipeline.ContentBreaker)
	tripBreaker(t, f.registry, pipeline.InferenceBreaker)

	rec := f.do(t, http.MethodPost, "/v1/admin/breakers",
		model.BreakerAdminRequest{Action: "reset", Breaker: "all"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	for _, name := range []string{pipeline.ContentBreaker, pipeline.InferenceBreaker} {
		b, err := f.registry.Get(name)
		require.NoError(t, err)
		assert.Equal(t, breaker.StateClosed, b.State())
	}
}

func TestAdminBreakers_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/breakers",
		model.BreakerAdminRequest{Action: "explode", Breaker: "all"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/admin/breakers",
		model.BreakerAdminRequest{Action: "reset", Breaker: "no-such-breaker"}, adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminQueue_Metrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/admin/queue", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	metrics := decodeData[queue.Metrics](t, rec)
	assert.False(t, metrics.IsPaused)
}

func TestAdminQueue_PauseResume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/admin/queue",
		model.QueueAdminRequest{Action: "pause"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.monitor.Paused())

	rec = f.do(t, http.MethodPost, "/v1/admin/queue",
		model.QueueAdminRequest{Action: "resume"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.monitor.Paused())
}

func TestAdminQueue_UnknownAction(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/admin/queue",
		model.QueueAdminRequest{Action: "detonate"}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "fixed-id"})
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}
