package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobID string

// AgentType identifies which marketing employee runs a job.
type AgentType string

const (
	AgentSEOWriter     AgentType = "seo_writer"
	AgentEmailMarketer AgentType = "email_marketer"
	AgentCMO           AgentType = "cmo"
)

// ActionType is the command an agent executes.
type ActionType string

const (
	ActionResearch     ActionType = "research"
	ActionWrite        ActionType = "write"
	ActionOptimize     ActionType = "optimize"
	ActionCreateEmail  ActionType = "create_email"
	ActionCreateSeries ActionType = "create_series"
	ActionAnalyze      ActionType = "analyze"
	ActionReview       ActionType = "review"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// jobTransitions is the full transition table. Anything absent is illegal.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobCost is the accumulated spend of a job. Frozen once the job
// reaches a terminal status.
type JobCost struct {
	InputTokens  int64    `json:"input_tokens"`
	OutputTokens int64    `json:"output_tokens"`
	Total        MicroUSD `json:"total_micro_usd"`
}

// Job is one agent-executed unit of work.
type Job struct {
	ID         JobID             `json:"id"`
	AgentType  AgentType         `json:"agent_type"`
	ActionType ActionType        `json:"action_type"`
	Params     map[string]string `json:"params,omitempty"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Step     string    `json:"step,omitempty"`

	Cost   JobCost `json:"cost"`
	Output *string `json:"output,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryCount   int    `json:"retry_count"`
	RetriedFrom  *JobID `json:"retried_from,omitempty"`

	// CancelRequested is the cooperative cancellation flag checked by the
	// dispatch goroutine at each await point.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastProgressAt time.Time  `json:"last_progress_at"`
}

// TaskSpec is what gets handed to the external agent worker.
type TaskSpec struct {
	JobID      JobID             `json:"job_id"`
	AgentType  AgentType         `json:"agent_type"`
	ActionType ActionType        `json:"action_type"`
	Params     map[string]string `json:"params,omitempty"`
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrBudgetExceeded    = errors.New("budget exceeded")
)

// ValidationError rejects a malformed submission before it enters the queue.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Detail)
}
