package ports

import (
	"context"

	"github.com/elev8tion/agentdesk/internal/core/domain"
)

// AgentWorker abstracts the external agent service that actually executes
// marketing tasks. Execution is asynchronous: StartTask returns once the
// worker has accepted the task, and the worker reports progress and the
// terminal result back through the orchestrator's callback endpoints.
type AgentWorker interface {
	// StartTask hands a task to the worker. The worker may deliver
	// callbacks at-least-once and out of order.
	StartTask(ctx context.Context, task domain.TaskSpec) error

	// StopTask asks the worker to abandon a task. Best-effort: a stop is
	// advisory and never guarantees the worker halted.
	StopTask(ctx context.Context, id domain.JobID) error
}

// Repository abstracts the persistent storage (DuckDB). The in-memory
// registry and ledger remain canonical; the repository is a write-behind
// mirror plus history.
type Repository interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)

	SaveBudgetCycle(ctx context.Context, cycle domain.BudgetCycle) error
	ListBudgetCycles(ctx context.Context) ([]domain.BudgetCycle, error)
}
