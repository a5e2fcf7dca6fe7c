package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu       sync.Mutex
	started  []domain.TaskSpec
	stopped  []domain.JobID
	startErr error
	blockCh  chan struct{} // when set, StartTask blocks until closed
}

func (f *fakeWorker) StartTask(ctx context.Context, task domain.TaskSpec) error {
	f.mu.Lock()
	err := f.startErr
	block := f.blockCh
	if err == nil {
		f.started = append(f.started, task)
	}
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeWorker) StopTask(ctx context.Context, id domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeWorker) startedTasks() []domain.TaskSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TaskSpec(nil), f.started...)
}

func (f *fakeWorker) stoppedJobs() []domain.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobID(nil), f.stopped...)
}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	registry     *JobRegistry
	ledger       *BudgetLedger
	worker       *fakeWorker
}

func newOrchestratorFixture(t *testing.T, budgetUSD float64, cfg OrchestratorConfig) *orchestratorFixture {
	t.Helper()

	logger := testLogger()
	bus := NewEventBus(logger)
	registry := NewJobRegistry(logger, nil, bus)
	ledger := NewBudgetLedger(logger, bus, nil, LedgerConfig{
		Total:   domain.DollarsToMicro(budgetUSD),
		Cadence: domain.ResetNever,
	})
	worker := &fakeWorker{}

	return &orchestratorFixture{
		orchestrator: NewOrchestrator(logger, registry, ledger, worker, cfg),
		registry:     registry,
		ledger:       ledger,
		worker:       worker,
	}
}

func (f *orchestratorFixture) waitForStatus(t *testing.T, id domain.JobID, status domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.registry.Get(id)
		return err == nil && job.Status == status
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		AgentType:        "seo_writer",
		ActionType:       "write",
		Params:           map[string]string{"topic": "q3 launch post"},
		EstimatedCostUSD: 0.5,
	}
}

func TestOrchestrator_SubmitDispatchesToWorker(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.NotEmpty(t, job.ID)

	running := f.waitForStatus(t, job.ID, domain.JobStatusRunning)
	require.NotNil(t, running.StartedAt)

	tasks := f.worker.startedTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, job.ID, tasks[0].JobID)
	assert.Equal(t, domain.AgentSEOWriter, tasks[0].AgentType)
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})

	_, err := f.orchestrator.Submit(context.Background(), SubmitRequest{
		AgentType:  "intern",
		ActionType: "write",
	})

	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Empty(t, f.registry.List(), "invalid submissions never enter the queue")
}

func TestOrchestrator_SubmitDeniedOverBudget(t *testing.T) {
	f := newOrchestratorFixture(t, 10, OrchestratorConfig{})
	ctx := context.Background()

	// $8 of the $10 budget already spent.
	require.NoError(t, f.ledger.Reserve(ctx, domain.AgentCMO, "earlier", 0))
	f.ledger.Commit(ctx, domain.AgentCMO, "earlier", domain.JobCost{Total: domain.DollarsToMicro(8)})

	req := validSubmit()
	req.EstimatedCostUSD = 3

	job, err := f.orchestrator.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrBudgetExceeded)

	// The denial is a visible failed job, never queued or running.
	stored, getErr := f.registry.Get(job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "budget")
	assert.Empty(t, f.worker.startedTasks())
}

func TestOrchestrator_CompletionCommitsOnce(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)

	report := CompletionReport{
		Output:           "published",
		Model:            "gpt-4o",
		PromptTokens:     100_000,
		CompletionTokens: 50_000,
	}
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, job.ID, report))

	done, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)

	wantCost := ChatCost("gpt-4o", 100_000, 50_000)
	assert.Equal(t, wantCost, done.Cost.Total)
	assert.Equal(t, wantCost, f.ledger.Snapshot().Used)

	// At-least-once delivery: the duplicate is discarded, not an error.
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, job.ID, report))

	after, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.CompletedAt, after.CompletedAt)
	assert.Equal(t, wantCost, f.ledger.Snapshot().Used, "no double cost accrual")
}

func TestOrchestrator_FailureReleasesReservation(t *testing.T) {
	f := newOrchestratorFixture(t, 10, OrchestratorConfig{})
	ctx := context.Background()

	req := validSubmit()
	req.EstimatedCostUSD = 6
	job, err := f.orchestrator.Submit(ctx, req)
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)

	require.NoError(t, f.orchestrator.HandleFailure(ctx, job.ID, "model overloaded", true))

	failed, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "model overloaded", failed.ErrorMessage)
	assert.True(t, failed.Retryable)

	// The $6 hold is back: the whole budget reserves cleanly again.
	assert.NoError(t, f.ledger.Reserve(ctx, domain.AgentCMO, "next", domain.DollarsToMicro(10)))
	assert.Equal(t, domain.MicroUSD(0), f.ledger.Snapshot().Used)
}

func TestOrchestrator_RetryCreatesLineage(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{MaxRetries: 2})
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)
	require.NoError(t, f.orchestrator.HandleFailure(ctx, job.ID, "timeout upstream", true))

	retry, err := f.orchestrator.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID, "retry is a brand-new job")
	assert.Equal(t, 1, retry.RetryCount)
	require.NotNil(t, retry.RetriedFrom)
	assert.Equal(t, job.ID, *retry.RetriedFrom)

	// The original record is untouched.
	orig, err := f.registry.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, orig.Status)
}

func TestOrchestrator_RetryRules(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{MaxRetries: 1})
	ctx := context.Background()

	// Not failed: no retry.
	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)
	_, err = f.orchestrator.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Failed but not retryable: no retry.
	require.NoError(t, f.orchestrator.HandleFailure(ctx, job.ID, "malformed prompt", false))
	_, err = f.orchestrator.Retry(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Retry budget exhausts.
	job2, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job2.ID, domain.JobStatusRunning)
	require.NoError(t, f.orchestrator.HandleFailure(ctx, job2.ID, "flaky upstream", true))

	retry, err := f.orchestrator.Retry(ctx, job2.ID)
	require.NoError(t, err)
	f.waitForStatus(t, retry.ID, domain.JobStatusRunning)
	require.NoError(t, f.orchestrator.HandleFailure(ctx, retry.ID, "flaky upstream", true))

	_, err = f.orchestrator.Retry(ctx, retry.ID)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestOrchestrator_CancelRunningJob(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)

	accepted, err := f.orchestrator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	cancelled := f.waitForStatus(t, job.ID, domain.JobStatusCancelled)
	assert.True(t, cancelled.CancelRequested)
	assert.Contains(t, f.worker.stoppedJobs(), job.ID)
	assert.Equal(t, domain.MicroUSD(0), f.ledger.Snapshot().Used)
}

func TestOrchestrator_CancelQueuedBeforeDispatch(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{MaxConcurrent: 1})
	ctx := context.Background()

	// First job parks inside the worker, holding the only dispatch slot.
	block := make(chan struct{})
	f.worker.mu.Lock()
	f.worker.blockCh = block
	f.worker.mu.Unlock()

	first, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, first.ID, domain.JobStatusRunning)

	req := validSubmit()
	req.EstimatedCostUSD = 5
	second, err := f.orchestrator.Submit(ctx, req)
	require.NoError(t, err)

	// Cancel while still queued.
	accepted, err := f.orchestrator.Cancel(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, accepted)

	cancelled := f.waitForStatus(t, second.ID, domain.JobStatusCancelled)
	assert.Nil(t, cancelled.StartedAt, "cancelled before dispatch, never ran")
	assert.Equal(t, domain.MicroUSD(0), f.ledger.Snapshot().Used)

	close(block)

	// The freed slot must not resurrect the cancelled job.
	time.Sleep(50 * time.Millisecond)
	still, err := f.registry.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, still.Status)
}

func TestOrchestrator_CancelSignalsLateStartedJobs(t *testing.T) {
	f := newOrchestratorFixture(t, 1000, OrchestratorConfig{MaxConcurrent: 2})
	ctx := context.Background()

	// Cancel immediately after each submit so cancellation races the
	// dispatch goroutine from both sides of the queued/running boundary.
	var ids []domain.JobID
	for i := 0; i < 20; i++ {
		job, err := f.orchestrator.Submit(ctx, validSubmit())
		require.NoError(t, err)
		ids = append(ids, job.ID)

		accepted, err := f.orchestrator.Cancel(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, accepted)
	}

	// Whichever side won each race, a cancelled job the dispatcher
	// managed to start must have received the stop signal.
	stopped := make(map[domain.JobID]bool)
	for _, id := range f.worker.stoppedJobs() {
		stopped[id] = true
	}
	for _, id := range ids {
		job, err := f.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		if job.StartedAt != nil {
			assert.True(t, stopped[id], "started job %s cancelled without a stop signal", id)
		}
	}
}

func TestOrchestrator_CancelTerminalNotAccepted(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)
	f.waitForStatus(t, job.ID, domain.JobStatusRunning)
	require.NoError(t, f.orchestrator.HandleCompletion(ctx, job.ID, CompletionReport{Model: "gpt-4o-mini"}))

	accepted, err := f.orchestrator.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestOrchestrator_WorkerDispatchErrorFailsJob(t *testing.T) {
	f := newOrchestratorFixture(t, 100, OrchestratorConfig{})
	f.worker.startErr = errors.New("connection refused")
	ctx := context.Background()

	job, err := f.orchestrator.Submit(ctx, validSubmit())
	require.NoError(t, err)

	failed := f.waitForStatus(t, job.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "worker dispatch failed")
	assert.True(t, failed.Retryable)
}
