package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/ports"
)

// JobRegistry owns the canonical state of every job. All mutations for a
// given job serialize through that job's lock (single-writer-per-job);
// reads outside the lock only ever see copies.
type JobRegistry struct {
	logger *slog.Logger
	repo   ports.Repository
	bus    *EventBus

	mu   sync.RWMutex
	jobs map[domain.JobID]*jobEntry
}

type jobEntry struct {
	mu        sync.Mutex
	job       domain.Job
	committed bool // budget commit applied exactly once per job
}

func NewJobRegistry(logger *slog.Logger, repo ports.Repository, bus *EventBus) *JobRegistry {
	return &JobRegistry{
		logger: logger,
		repo:   repo,
		bus:    bus,
		jobs:   make(map[domain.JobID]*jobEntry),
	}
}

// Create registers a new job record and announces it.
func (r *JobRegistry) Create(ctx context.Context, job domain.Job) domain.Job {
	entry := &jobEntry{job: job}

	r.mu.Lock()
	r.jobs[job.ID] = entry
	r.mu.Unlock()

	r.persist(ctx, job)
	r.publishJob(job, EventJobStatus)
	return job
}

func (r *JobRegistry) entry(id domain.JobID) (*jobEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return entry, nil
}

// Get returns a copy of the job.
func (r *JobRegistry) Get(id domain.JobID) (domain.Job, error) {
	entry, err := r.entry(id)
	if err != nil {
		return domain.Job{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneJob(entry.job), nil
}

// List returns a consistent snapshot of all jobs, newest first.
func (r *JobRegistry) List() []domain.Job {
	r.mu.RLock()
	entries := make([]*jobEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneJob(e.job))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListFiltered narrows List by status and/or agent type. Zero values
// match everything.
func (r *JobRegistry) ListFiltered(status domain.JobStatus, agent domain.AgentType) []domain.Job {
	all := r.List()
	out := all[:0]
	for _, j := range all {
		if status != "" && j.Status != status {
			continue
		}
		if agent != "" && j.AgentType != agent {
			continue
		}
		out = append(out, j)
	}
	return out
}

// JobStats summarizes the registry for the stats endpoint.
type JobStats struct {
	Total     int                       `json:"total"`
	ByStatus  map[domain.JobStatus]int  `json:"by_status"`
	TotalCost domain.MicroUSD           `json:"total_cost_micro_usd"`
	ByAgent   map[domain.AgentType]int  `json:"by_agent"`
}

func (r *JobRegistry) Stats() JobStats {
	stats := JobStats{
		ByStatus: make(map[domain.JobStatus]int),
		ByAgent:  make(map[domain.AgentType]int),
	}
	for _, j := range r.List() {
		stats.Total++
		stats.ByStatus[j.Status]++
		stats.ByAgent[j.AgentType]++
		stats.TotalCost += j.Cost.Total
	}
	return stats
}

// Start moves queued -> running and stamps StartedAt.
func (r *JobRegistry) Start(ctx context.Context, id domain.JobID) error {
	return r.transition(ctx, id, domain.JobStatusRunning, func(job *domain.Job) {
		now := time.Now().UTC()
		job.StartedAt = &now
		job.LastProgressAt = now
	})
}

// Complete moves running -> completed, freezing the job's cost.
func (r *JobRegistry) Complete(ctx context.Context, id domain.JobID, output string, cost domain.JobCost) error {
	return r.transition(ctx, id, domain.JobStatusCompleted, func(job *domain.Job) {
		now := time.Now().UTC()
		job.CompletedAt = &now
		job.Progress = 100
		job.Cost = cost
		job.Output = &output
	})
}

// Fail moves running -> failed with a human-readable reason. A job
// that never started cannot fail; it can only be cancelled.
func (r *JobRegistry) Fail(ctx context.Context, id domain.JobID, reason string, retryable bool) error {
	return r.transition(ctx, id, domain.JobStatusFailed, func(job *domain.Job) {
		now := time.Now().UTC()
		job.CompletedAt = &now
		job.ErrorMessage = reason
		job.Retryable = retryable
	})
}

// Cancel moves queued|running -> cancelled.
func (r *JobRegistry) Cancel(ctx context.Context, id domain.JobID) error {
	return r.transition(ctx, id, domain.JobStatusCancelled, func(job *domain.Job) {
		now := time.Now().UTC()
		job.CompletedAt = &now
	})
}

// RequestCancel sets the cooperative cancellation flag and returns the
// job as it stood, letting the caller decide how to proceed.
func (r *JobRegistry) RequestCancel(ctx context.Context, id domain.JobID) (domain.Job, error) {
	entry, err := r.entry(id)
	if err != nil {
		return domain.Job{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.job.Status.IsTerminal() {
		entry.job.CancelRequested = true
		r.persist(ctx, entry.job)
	}
	return cloneJob(entry.job), nil
}

// ApplyProgress records a progress update for a running job. Progress is
// monotonic: a lower percentage than already recorded is a no-op, which
// absorbs out-of-order callback delivery.
func (r *JobRegistry) ApplyProgress(ctx context.Context, id domain.JobID, pct int, step string) error {
	entry, err := r.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.job.Status != domain.JobStatusRunning {
		return fmt.Errorf("%w: progress on %s job %s", domain.ErrInvalidTransition, entry.job.Status, id)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < entry.job.Progress {
		// Stale delivery, drop silently.
		return nil
	}

	entry.job.Progress = pct
	if step != "" {
		entry.job.Step = step
	}
	entry.job.LastProgressAt = time.Now().UTC()

	job := cloneJob(entry.job)
	r.persist(ctx, job)
	r.publishJob(job, EventJobProgress)
	return nil
}

// MarkCommitted flips the per-job committed flag. Returns true only on
// the first call, guarding the ledger against double-counting.
func (r *JobRegistry) MarkCommitted(id domain.JobID) (bool, error) {
	entry, err := r.entry(id)
	if err != nil {
		return false, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.committed {
		return false, nil
	}
	entry.committed = true
	return true, nil
}

// transition applies one edge of the state machine under the job's lock.
// Illegal edges return ErrInvalidTransition so callers can detect races.
func (r *JobRegistry) transition(ctx context.Context, id domain.JobID, to domain.JobStatus, apply func(*domain.Job)) error {
	entry, err := r.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !domain.CanTransition(entry.job.Status, to) {
		return fmt.Errorf("%w: %s -> %s for job %s", domain.ErrInvalidTransition, entry.job.Status, to, id)
	}

	entry.job.Status = to
	apply(&entry.job)

	job := cloneJob(entry.job)
	r.persist(ctx, job)
	r.publishJob(job, EventJobStatus)
	return nil
}

func (r *JobRegistry) persist(ctx context.Context, job domain.Job) {
	if r.repo == nil {
		return
	}
	if err := r.repo.SaveJob(ctx, job); err != nil {
		r.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
}

func (r *JobRegistry) publishJob(job domain.Job, evtType EventType) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		r.logger.Error("failed to marshal job event", "job_id", job.ID, "error", err)
		return
	}
	r.bus.Publish(Event{
		Topic: JobTopic(job.ID),
		Type:  evtType,
		JobID: job.ID,
		Agent: job.AgentType,
		Data:  string(data),
	})
}

func cloneJob(job domain.Job) domain.Job {
	out := job
	if job.Params != nil {
		out.Params = make(map[string]string, len(job.Params))
		for k, v := range job.Params {
			out.Params[k] = v
		}
	}
	return out
}
