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
	"github.com/elev8tion/agentdesk/pkg/metrics"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
)

// LedgerConfig sets the spending ceiling and reset behavior.
type LedgerConfig struct {
	Total      domain.MicroUSD
	Cadence    domain.ResetCadence
	Thresholds []int // alert percentages, ascending
	// CheckInterval is how often the reset timer looks for an expired
	// period. Zero disables the background rotation loop.
	CheckInterval time.Duration
}

type reservation struct {
	agent  domain.AgentType
	amount domain.MicroUSD
}

// BudgetLedger owns the running spend of the current cycle and the
// reserve/commit/release protocol. All mutation serializes through one
// ledger-wide lock; budget math is cheap relative to job churn.
type BudgetLedger struct {
	logger *slog.Logger
	bus    *EventBus
	repo   ports.Repository
	cfg    LedgerConfig

	mu            sync.Mutex
	cycle         domain.BudgetCycle
	reserved      map[domain.JobID]reservation
	reservedTotal domain.MicroUSD
	committed     map[domain.JobID]struct{}
	fired         map[int]bool // thresholds already alerted this cycle
	history       []domain.BudgetCycle
}

func NewBudgetLedger(logger *slog.Logger, bus *EventBus, repo ports.Repository, cfg LedgerConfig) *BudgetLedger {
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = []int{80, 90, 100}
	}
	sort.Ints(cfg.Thresholds)

	l := &BudgetLedger{
		logger:    logger,
		bus:       bus,
		repo:      repo,
		cfg:       cfg,
		reserved:  make(map[domain.JobID]reservation),
		committed: make(map[domain.JobID]struct{}),
		fired:     make(map[int]bool),
	}
	l.cycle = l.newCycle(time.Now().UTC())
	return l
}

func (l *BudgetLedger) newCycle(start time.Time) domain.BudgetCycle {
	return domain.BudgetCycle{
		ID:          domain.CycleID(uuid.NewString()),
		PeriodStart: start,
		PeriodEnd:   domain.NextPeriodEnd(start, l.cfg.Cadence),
		Total:       l.cfg.Total,
		ByAgent:     make(map[domain.AgentType]domain.AgentSpend),
	}
}

// Reserve holds estimated funds ahead of dispatch. Advisory and
// optimistic: it only denies once committed spend plus outstanding
// reservations would exceed the ceiling.
func (l *BudgetLedger) Reserve(ctx context.Context, agent domain.AgentType, jobID domain.JobID, estimate domain.MicroUSD) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateIfDue(ctx, time.Now().UTC())

	if l.cycle.Used+l.reservedTotal+estimate > l.cycle.Total {
		return fmt.Errorf("%w: %s used, %s reserved, %s requested against %s ceiling",
			domain.ErrBudgetExceeded, l.cycle.Used, l.reservedTotal, estimate, l.cycle.Total)
	}

	l.reserved[jobID] = reservation{agent: agent, amount: estimate}
	l.reservedTotal += estimate
	return nil
}

// Commit finalizes a job's actual cost, replacing its reservation.
// Idempotent per job: a duplicate commit is a logged no-op. Threshold
// alerts publish synchronously before Commit returns.
func (l *BudgetLedger) Commit(ctx context.Context, agent domain.AgentType, jobID domain.JobID, cost domain.JobCost) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateIfDue(ctx, time.Now().UTC())

	if _, done := l.committed[jobID]; done {
		l.logger.Info("duplicate budget commit ignored", "job_id", jobID)
		return
	}
	l.committed[jobID] = struct{}{}
	l.dropReservation(jobID)

	l.cycle.Used += cost.Total
	spend := l.cycle.ByAgent[agent]
	spend.Cost += cost.Total
	spend.JobCount++
	spend.Tokens += cost.InputTokens + cost.OutputTokens
	l.cycle.ByAgent[agent] = spend

	metrics.UpdateBudgetUsedMetric(l.cycle.Used.Dollars())
	l.persistCycle(ctx, l.cycle)
	l.fireAlerts()
	l.publishUpdate()
}

// Release gives back a hold for a job that never accrued cost
// (cancelled before dispatch, failed without spend).
func (l *BudgetLedger) Release(ctx context.Context, jobID domain.JobID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dropReservation(jobID) {
		l.publishUpdate()
	}
}

// dropReservation removes jobID's hold. Caller holds l.mu.
func (l *BudgetLedger) dropReservation(jobID domain.JobID) bool {
	res, ok := l.reserved[jobID]
	if !ok {
		return false
	}
	delete(l.reserved, jobID)
	l.reservedTotal -= res.amount
	return true
}

// fireAlerts raises each configured threshold at most once per cycle.
// Later releases may pull usage back under a threshold; the alert stays
// fired. Caller holds l.mu.
func (l *BudgetLedger) fireAlerts() {
	pct := l.cycle.Percentage()
	for _, t := range l.cfg.Thresholds {
		if l.fired[t] || pct < float64(t) {
			continue
		}
		l.fired[t] = true

		alert := domain.BudgetAlert{
			CycleID:   l.cycle.ID,
			Threshold: t,
			Used:      l.cycle.Used,
			Total:     l.cycle.Total,
			At:        time.Now().UTC(),
		}
		l.logger.Warn("budget threshold crossed",
			"threshold", t, "used", l.cycle.Used.String(), "total", l.cycle.Total.String())

		if l.bus != nil {
			data, _ := json.Marshal(alert)
			l.bus.Publish(Event{
				Topic: TopicBudget,
				Type:  EventBudgetAlert,
				Data:  string(data),
			})
		}
	}
}

func (l *BudgetLedger) publishUpdate() {
	if l.bus == nil {
		return
	}
	data, _ := json.Marshal(l.snapshotLocked())
	l.bus.Publish(Event{
		Topic: TopicBudget,
		Type:  EventBudgetUpdated,
		Data:  string(data),
	})
}

// Snapshot returns a copy of the current cycle.
func (l *BudgetLedger) Snapshot() domain.BudgetCycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *BudgetLedger) snapshotLocked() domain.BudgetCycle {
	out := l.cycle
	out.ByAgent = make(map[domain.AgentType]domain.AgentSpend, len(l.cycle.ByAgent))
	for k, v := range l.cycle.ByAgent {
		out.ByAgent[k] = v
	}
	return out
}

// NextResetAt returns when the current cycle closes, nil for "never".
func (l *BudgetLedger) NextResetAt() *time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cycle.PeriodEnd == nil {
		return nil
	}
	end := *l.cycle.PeriodEnd
	return &end
}

// History returns closed cycles, oldest first.
func (l *BudgetLedger) History() []domain.BudgetCycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.BudgetCycle, len(l.history))
	copy(out, l.history)
	return out
}

// Rotate closes the current cycle immediately and opens a fresh one.
// In-flight jobs that commit after rotation accrue to the new cycle:
// money is counted when spent, not when the job started.
func (l *BudgetLedger) Rotate(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotate(ctx, time.Now().UTC())
}

// rotateIfDue rotates when the period has expired. Caller holds l.mu.
func (l *BudgetLedger) rotateIfDue(ctx context.Context, now time.Time) {
	if l.cycle.PeriodEnd == nil || now.Before(*l.cycle.PeriodEnd) {
		return
	}
	l.rotate(ctx, now)
}

func (l *BudgetLedger) rotate(ctx context.Context, now time.Time) {
	closed := l.snapshotLocked()
	closed.ClosedAt = &now
	l.history = append(l.history, closed)
	l.persistCycle(ctx, closed)

	l.cycle = l.newCycle(now)
	l.fired = make(map[int]bool)
	metrics.UpdateBudgetUsedMetric(0)
	l.persistCycle(ctx, l.cycle)

	l.logger.Info("budget cycle rotated",
		"closed_cycle", closed.ID, "closed_used", closed.Used.String(), "new_cycle", l.cycle.ID)
	l.publishUpdate()
}

func (l *BudgetLedger) persistCycle(ctx context.Context, cycle domain.BudgetCycle) {
	if l.repo == nil {
		return
	}
	if err := l.repo.SaveBudgetCycle(ctx, cycle); err != nil {
		l.logger.Error("failed to persist budget cycle", "cycle_id", cycle.ID, "error", err)
	}
}

// Run drives the background reset timer until ctx is cancelled.
func (l *BudgetLedger) Run(ctx context.Context) error {
	if l.cfg.CheckInterval <= 0 || l.cfg.Cadence == domain.ResetNever {
		<-ctx.Done()
		return nil
	}

	ticker := jitterbug.New(l.cfg.CheckInterval, &jitterbug.Norm{Stdev: l.cfg.CheckInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			l.mu.Lock()
			l.rotateIfDue(ctx, now.UTC())
			l.mu.Unlock()
		}
	}
}
