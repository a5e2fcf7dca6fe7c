package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/lthibault/jitterbug/v2"
)

// WatchdogConfig tunes the liveness scan.
type WatchdogConfig struct {
	// StallTimeout is how long a running job may go without a progress
	// or terminal callback before it is failed.
	StallTimeout time.Duration
	// ScanInterval is how often running jobs are inspected.
	ScanInterval time.Duration
}

// Watchdog fails running jobs that stopped reporting progress. It only
// ever moves jobs toward failed, never the reverse.
type Watchdog struct {
	logger       *slog.Logger
	registry     *JobRegistry
	orchestrator *Orchestrator
	cfg          WatchdogConfig
}

func NewWatchdog(logger *slog.Logger, registry *JobRegistry, orchestrator *Orchestrator, cfg WatchdogConfig) *Watchdog {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Minute
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	return &Watchdog{
		logger:       logger,
		registry:     registry,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
}

// Run ticks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := jitterbug.New(w.cfg.ScanInterval, &jitterbug.Norm{Stdev: w.cfg.ScanInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			w.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep fails every running job whose last progress is older than the
// stall threshold.
func (w *Watchdog) Sweep(ctx context.Context, now time.Time) {
	for _, job := range w.registry.ListFiltered(domain.JobStatusRunning, "") {
		idle := now.Sub(job.LastProgressAt)
		if idle < w.cfg.StallTimeout {
			continue
		}

		w.logger.Warn("stalled job detected", "job_id", job.ID, "idle", idle.String())
		reason := fmt.Sprintf("stalled job: no progress for %s", idle.Round(time.Second))
		if err := w.orchestrator.HandleFailure(ctx, job.ID, reason, true); err != nil {
			w.logger.Error("failed to fail stalled job", "job_id", job.ID, "error", err)
		}
	}
}
