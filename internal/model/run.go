// Package model defines the core domain types for Halcyon.
//
// Types correspond directly to database tables and API payloads. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunStage identifies the pipeline stage a run is currently in.
type RunStage string

const (
	StageInitializing RunStage = "initializing"
	StageCollecting   RunStage = "collecting"
	StageAnalyzing    RunStage = "analyzing"
	StageReporting    RunStage = "reporting"
	StageCompleted    RunStage = "completed"
	StageFailed       RunStage = "failed"
)

// Terminal reports whether the stage is final. Terminal stages are
// immutable once reached.
func (s RunStage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StagePercentage maps each stage to its pipeline completion percentage.
func StagePercentage(s RunStage) int {
	switch s {
	case StageInitializing:
		return 10
	case StageCollecting:
		return 35
	case StageAnalyzing:
		return 70
	case StageReporting:
		return 90
	case StageCompleted:
		return 100
	default:
		return 0
	}
}

// RunProgress is the live progress value for a run, overwritten on every
// stage transition.
type RunProgress struct {
	Stage      RunStage `json:"stage"`
	Message    string   `json:"message"`
	Percentage int      `json:"percentage"`
}

// Run is one execution of the multi-stage analysis pipeline for a single
// user request.
type Run struct {
	ID            uuid.UUID      `json:"id"`
	Topic         string         `json:"topic"`
	Sources       []string       `json:"sources"`
	Status        RunStatus      `json:"status"`
	Progress      RunProgress    `json:"progress"`
	EstimatedCost float64        `json:"estimated_cost"`
	BudgetLimit   float64        `json:"budget_limit"`
	ActualCost    float64        `json:"actual_cost"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Report        *string        `json:"report,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
