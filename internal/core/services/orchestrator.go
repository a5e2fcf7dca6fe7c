package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/ports"
	"github.com/elev8tion/agentdesk/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// OrchestratorConfig defines dispatch limits and retry policy.
type OrchestratorConfig struct {
	MaxConcurrent   int64
	MaxRetries      int
	DefaultEstimate domain.MicroUSD
}

// SubmitRequest is the validated submission contract.
type SubmitRequest struct {
	AgentType        string            `json:"agent_type" validate:"required,oneof=seo_writer email_marketer cmo"`
	ActionType       string            `json:"action_type" validate:"required,oneof=research write optimize create_email create_series analyze review"`
	Params           map[string]string `json:"params,omitempty"`
	EstimatedCostUSD float64           `json:"estimated_cost_usd,omitempty" validate:"omitempty,gte=0"`
}

// CompletionReport is the terminal success payload from the worker.
type CompletionReport struct {
	Output           string `json:"output"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	WebSearchCalls   int64  `json:"web_search_calls,omitempty"`
	FileSearchCalls  int64  `json:"file_search_calls,omitempty"`
}

// ErrRetryExhausted rejects retries past the configured limit.
var ErrRetryExhausted = errors.New("retry limit reached")

// Orchestrator bridges the job registry and budget ledger to the
// external agent worker: submission, async dispatch, worker callbacks,
// cancellation and retry.
type Orchestrator struct {
	logger   *slog.Logger
	registry *JobRegistry
	ledger   *BudgetLedger
	worker   ports.AgentWorker
	sem      *semaphore.Weighted
	validate *validator.Validate
	cfg      OrchestratorConfig
}

func NewOrchestrator(logger *slog.Logger, registry *JobRegistry, ledger *BudgetLedger, worker ports.AgentWorker, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &Orchestrator{
		logger:   logger,
		registry: registry,
		ledger:   ledger,
		worker:   worker,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		validate: validator.New(),
		cfg:      cfg,
	}
}

// Submit validates a request, reserves budget and queues a job. On a
// budget denial the job record is created directly in failed status so
// the denial is observable, and ErrBudgetExceeded is returned.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (domain.Job, error) {
	return o.submit(ctx, req, 0, nil)
}

func (o *Orchestrator) submit(ctx context.Context, req SubmitRequest, retryCount int, retriedFrom *domain.JobID) (domain.Job, error) {
	if err := o.validate.Struct(req); err != nil {
		return domain.Job{}, &domain.ValidationError{Detail: err.Error()}
	}

	estimate := domain.DollarsToMicro(req.EstimatedCostUSD)
	if estimate == 0 {
		estimate = o.cfg.DefaultEstimate
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:             domain.JobID(uuid.NewString()),
		AgentType:      domain.AgentType(req.AgentType),
		ActionType:     domain.ActionType(req.ActionType),
		Params:         req.Params,
		Status:         domain.JobStatusQueued,
		RetryCount:     retryCount,
		RetriedFrom:    retriedFrom,
		CreatedAt:      now,
		LastProgressAt: now,
	}

	if err := o.ledger.Reserve(ctx, job.AgentType, job.ID, estimate); err != nil {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = fmt.Sprintf("budget exceeded: %v", err)
		job.CompletedAt = &now
		o.registry.Create(ctx, job)
		metrics.IncreaseJobsTerminalMetric(string(domain.JobStatusFailed))
		return job, err
	}

	o.registry.Create(ctx, job)
	metrics.IncreaseJobsSubmittedMetric(string(job.AgentType))
	metrics.UpdateJobsInflightMetric(1)

	go o.dispatch(context.WithoutCancel(ctx), job)
	return job, nil
}

// dispatch hands a queued job to the worker. Runs on its own goroutine
// so Submit never blocks on worker RPC.
func (o *Orchestrator) dispatch(ctx context.Context, job domain.Job) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.logger.Error("dispatch aborted", "job_id", job.ID, "error", err)
		return
	}
	defer o.sem.Release(1)

	// Cancellation may have landed while the job sat in queue.
	current, err := o.registry.Get(job.ID)
	if err != nil {
		o.logger.Error("dispatch lost job", "job_id", job.ID, "error", err)
		return
	}
	if current.CancelRequested || current.Status.IsTerminal() {
		if o.registry.Cancel(ctx, job.ID) == nil {
			o.ledger.Release(ctx, job.ID)
			metrics.IncreaseJobsTerminalMetric(string(domain.JobStatusCancelled))
			metrics.UpdateJobsInflightMetric(-1)
		}
		return
	}

	if err := o.registry.Start(ctx, job.ID); err != nil {
		// Lost the race against a cancel; give the hold back.
		o.logger.Info("job no longer dispatchable", "job_id", job.ID, "error", err)
		o.ledger.Release(ctx, job.ID)
		return
	}

	task := domain.TaskSpec{
		JobID:      job.ID,
		AgentType:  job.AgentType,
		ActionType: job.ActionType,
		Params:     job.Params,
	}
	if err := o.worker.StartTask(ctx, task); err != nil {
		o.logger.Error("worker dispatch failed", "job_id", job.ID, "error", err)
		o.failJob(ctx, job.ID, fmt.Sprintf("worker dispatch failed: %v", err), true)
	}
}

// HandleProgress applies a worker progress callback. Out-of-order and
// duplicate deliveries are absorbed by the registry's monotonic rule.
func (o *Orchestrator) HandleProgress(ctx context.Context, id domain.JobID, pct int, step string) error {
	return o.registry.ApplyProgress(ctx, id, pct, step)
}

// HandleCompletion applies a terminal success callback. Duplicate
// terminal callbacks are logged and discarded, never treated as errors.
func (o *Orchestrator) HandleCompletion(ctx context.Context, id domain.JobID, report CompletionReport) error {
	job, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		o.logger.Info("duplicate terminal callback discarded", "job_id", id, "status", job.Status)
		return nil
	}

	cost := domain.JobCost{
		InputTokens:  report.PromptTokens,
		OutputTokens: report.CompletionTokens,
		Total: ChatCost(report.Model, report.PromptTokens, report.CompletionTokens) +
			SearchCost(report.WebSearchCalls, report.FileSearchCalls),
	}

	if err := o.registry.Complete(ctx, id, report.Output, cost); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Concurrent terminal callback won; this one is a duplicate.
			o.logger.Info("late terminal callback discarded", "job_id", id, "error", err)
			return nil
		}
		return err
	}

	// The per-job committed flag makes the ledger commit exactly-once.
	if first, err := o.registry.MarkCommitted(id); err == nil && first {
		o.ledger.Commit(ctx, job.AgentType, id, cost)
	}

	metrics.IncreaseJobsTerminalMetric(string(domain.JobStatusCompleted))
	metrics.UpdateJobsInflightMetric(-1)
	return nil
}

// HandleFailure applies a terminal failure callback from the worker.
func (o *Orchestrator) HandleFailure(ctx context.Context, id domain.JobID, reason string, retryable bool) error {
	job, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		o.logger.Info("duplicate terminal callback discarded", "job_id", id, "status", job.Status)
		return nil
	}
	return o.failJob(ctx, id, reason, retryable)
}

func (o *Orchestrator) failJob(ctx context.Context, id domain.JobID, reason string, retryable bool) error {
	if err := o.registry.Fail(ctx, id, reason, retryable); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			o.logger.Info("late failure callback discarded", "job_id", id, "error", err)
			return nil
		}
		return err
	}
	// Failed jobs never accrued cost; give the hold back.
	o.ledger.Release(ctx, id)
	metrics.IncreaseJobsTerminalMetric(string(domain.JobStatusFailed))
	metrics.UpdateJobsInflightMetric(-1)
	return nil
}

// Cancel requests cooperative cancellation. Returns whether the request
// was accepted; it never guarantees the worker actually stopped.
func (o *Orchestrator) Cancel(ctx context.Context, id domain.JobID) (bool, error) {
	job, err := o.registry.RequestCancel(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.IsTerminal() {
		return false, nil
	}

	if job.Status == domain.JobStatusRunning {
		// Best-effort signal; the worker may finish anyway, in which case
		// its terminal callback is discarded as a duplicate.
		if err := o.worker.StopTask(ctx, id); err != nil {
			o.logger.Warn("worker stop signal failed", "job_id", id, "error", err)
		}
	}

	if err := o.registry.Cancel(ctx, id); err != nil {
		// A terminal callback raced us; the cancel request stands but the
		// job already finished.
		o.logger.Info("cancel raced terminal state", "job_id", id, "error", err)
		return true, nil
	}
	o.ledger.Release(ctx, id)
	metrics.IncreaseJobsTerminalMetric(string(domain.JobStatusCancelled))
	metrics.UpdateJobsInflightMetric(-1)

	// The job may have been dispatched between the status read above and
	// the cancel landing. If it started, the worker holds the task and
	// still needs the stop signal.
	if job.Status != domain.JobStatusRunning {
		if current, err := o.registry.Get(id); err == nil && current.StartedAt != nil {
			if err := o.worker.StopTask(ctx, id); err != nil {
				o.logger.Warn("worker stop signal failed", "job_id", id, "error", err)
			}
		}
	}
	return true, nil
}

// Retry resubmits a failed job as a brand-new job with lineage. Budget
// is re-checked through the full reserve path.
func (o *Orchestrator) Retry(ctx context.Context, id domain.JobID) (domain.Job, error) {
	orig, err := o.registry.Get(id)
	if err != nil {
		return domain.Job{}, err
	}
	if orig.Status != domain.JobStatusFailed || !orig.Retryable {
		return domain.Job{}, fmt.Errorf("%w: only retryable failed jobs can be retried (job %s is %s)",
			domain.ErrInvalidTransition, id, orig.Status)
	}
	if orig.RetryCount >= o.cfg.MaxRetries {
		return domain.Job{}, fmt.Errorf("%w: job %s already retried %d times", ErrRetryExhausted, id, orig.RetryCount)
	}

	req := SubmitRequest{
		AgentType:  string(orig.AgentType),
		ActionType: string(orig.ActionType),
		Params:     orig.Params,
	}
	return o.submit(ctx, req, orig.RetryCount+1, &orig.ID)
}
