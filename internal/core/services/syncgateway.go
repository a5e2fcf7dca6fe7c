package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/elev8tion/agentdesk/internal/core/domain"
)

// SyncGateway reconciles client-side optimistic job state with
// server-confirmed truth. Optimistic values live in an overlay keyed by
// job id and are never trusted as ground truth: a confirmed server
// event always supersedes them (server-wins). The one exception is the
// purely additive cancel-requested flag, which is held until the
// corresponding terminal state arrives.
type SyncGateway struct {
	logger   *slog.Logger
	bus      *EventBus
	registry *JobRegistry

	mu            sync.Mutex
	confirmed     map[domain.JobID]domain.Job
	optimistic    map[domain.JobID]domain.Job
	pendingCancel map[domain.JobID]bool

	resyncs atomic.Uint64
}

func NewSyncGateway(logger *slog.Logger, bus *EventBus, registry *JobRegistry) *SyncGateway {
	return &SyncGateway{
		logger:        logger,
		bus:           bus,
		registry:      registry,
		confirmed:     make(map[domain.JobID]domain.Job),
		optimistic:    make(map[domain.JobID]domain.Job),
		pendingCancel: make(map[domain.JobID]bool),
	}
}

// ApplyOptimistic records a client-proposed state and returns the local
// view reflecting it immediately.
func (g *SyncGateway) ApplyOptimistic(id domain.JobID, proposed domain.Job) domain.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.optimistic[id] = proposed
	return g.viewLocked(id)
}

// RequestCancel overlays the additive cancel-requested flag.
func (g *SyncGateway) RequestCancel(id domain.JobID) domain.Job {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingCancel[id] = true
	return g.viewLocked(id)
}

// Reconcile applies a server-confirmed state. The optimistic value for
// the job is discarded; a pending cancel survives until the job is
// terminal.
func (g *SyncGateway) Reconcile(id domain.JobID, server domain.Job) domain.Job {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.confirmed[id] = server
	delete(g.optimistic, id)
	if server.Status.IsTerminal() {
		delete(g.pendingCancel, id)
	}
	return g.viewLocked(id)
}

// CancelPending reports whether a cancel request is still awaiting its
// terminal confirmation.
func (g *SyncGateway) CancelPending(id domain.JobID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingCancel[id]
}

// View returns the current local view of a job.
func (g *SyncGateway) View(id domain.JobID) (domain.Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, haveConfirmed := g.confirmed[id]
	_, haveOptimistic := g.optimistic[id]
	if !haveConfirmed && !haveOptimistic {
		return domain.Job{}, false
	}
	return g.viewLocked(id), true
}

func (g *SyncGateway) viewLocked(id domain.JobID) domain.Job {
	view, ok := g.optimistic[id]
	if !ok {
		view = g.confirmed[id]
	}
	if g.pendingCancel[id] {
		view.CancelRequested = true
	}
	return view
}

// Resync refetches full state from the registry and throws the
// optimistic overlay away. Called when event drops mean the incremental
// stream can no longer be trusted.
func (g *SyncGateway) Resync() {
	jobs := g.registry.List()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.confirmed = make(map[domain.JobID]domain.Job, len(jobs))
	g.optimistic = make(map[domain.JobID]domain.Job)
	for _, j := range jobs {
		g.confirmed[j.ID] = j
		if j.Status.IsTerminal() {
			delete(g.pendingCancel, j.ID)
		}
	}
	g.resyncs.Add(1)
	g.logger.Info("sync gateway resynced", "jobs", len(jobs))
}

// Resyncs counts forced full refetches.
func (g *SyncGateway) Resyncs() uint64 {
	return g.resyncs.Load()
}

// Run consumes the all-jobs stream until ctx is cancelled. A rising
// per-subscription drop counter triggers a full resync instead of
// trusting the remaining incremental events.
func (g *SyncGateway) Run(ctx context.Context) error {
	sub := g.bus.Subscribe(Filter{Topic: TopicAllJobs})
	defer g.bus.Unsubscribe(sub)

	var seenDrops uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}

			if dropped := sub.Dropped(); dropped > seenDrops {
				seenDrops = dropped
				g.Resync()
				continue
			}

			var job domain.Job
			if err := json.Unmarshal([]byte(evt.Data), &job); err != nil {
				g.logger.Error("undecodable job event, forcing resync", "error", err)
				g.Resync()
				continue
			}
			g.Reconcile(job.ID, job)
		}
	}
}
