package model

import (
	"fmt"
	"time"
)

// Field length limits for run submissions. These keep a single oversized
// field from filling Postgres TEXT columns with caller-controlled garbage.
const (
	MaxTopicLen   = 500
	MaxSources    = 20
	MaxSourceLen  = 200
	MaxBudgetCost = 1_000_000
)

// ValidateCreateRun checks a run submission before it reaches storage.
func ValidateCreateRun(req CreateRunRequest) error {
	if req.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(req.Topic) > MaxTopicLen {
		return fmt.Errorf("topic exceeds maximum length of %d characters", MaxTopicLen)
	}
	if len(req.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if len(req.Sources) > MaxSources {
		return fmt.Errorf("at most %d sources allowed", MaxSources)
	}
	for i, s := range req.Sources {
		if s == "" || len(s) > MaxSourceLen {
			return fmt.Errorf("sources[%d] must be 1-%d characters", i, MaxSourceLen)
		}
	}
	if req.EstimatedCost < 0 || req.EstimatedCost > MaxBudgetCost {
		return fmt.Errorf("estimated_cost must be between 0 and %d", MaxBudgetCost)
	}
	if req.BudgetLimit < 0 || req.BudgetLimit > MaxBudgetCost {
		return fmt.Errorf("budget_limit must be between 0 and %d", MaxBudgetCost)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput          = "INVALID_INPUT"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeBudgetExceeded        = "BUDGET_EXCEEDED"
	ErrCodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeRateLimited           = "RATE_LIMITED"
)

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	Topic         string         `json:"topic"`
	Sources       []string       `json:"sources"`
	EstimatedCost float64        `json:"estimated_cost"`
	BudgetLimit   float64        `json:"budget_limit"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// RecordCostEventRequest is the request body for POST /v1/runs/{run_id}/events.
type RecordCostEventRequest struct {
	Kind     CostEventKind `json:"kind"`
	Quantity float64       `json:"quantity"`
}

// RecordCostEventResponse pairs the recorded event with the run's updated
// budget standing.
type RecordCostEventResponse struct {
	Event          CostEvent    `json:"event"`
	TrackingStatus BudgetStatus `json:"tracking_status"`
}

// BreakerAdminRequest is the request body for POST /v1/admin/breakers.
type BreakerAdminRequest struct {
	Action  string `json:"action"`
	Breaker string `json:"breaker"`
}

// QueueAdminRequest is the request body for POST /v1/admin/queue.
type QueueAdminRequest struct {
	Action string `json:"action"`
}

// ActionResponse is a generic success message for admin actions.
type ActionResponse struct {
	Message string `json:"message"`
}

// HealthSummary aggregates breaker health for the /health endpoint.
type HealthSummary struct {
	Total            int     `json:"total"`
	Healthy          int     `json:"healthy"`
	Open             int     `json:"open"`
	HealthPercentage float64 `json:"health_percentage"`
}

