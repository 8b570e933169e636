package model

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the lifecycle state of a queue job.
// Transitions: waiting → active → completed|failed.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the job state is final.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// QueueJob is a unit of asynchronous work tracked by the queue subsystem.
// "Stuck" is a derived property (active past a threshold), not a state.
type QueueJob struct {
	ID         uuid.UUID  `json:"id"`
	QueueName  string     `json:"queue_name"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	State      JobState   `json:"state"`
	LastError  *string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
