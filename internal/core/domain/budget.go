package domain

import "time"

type CycleID string

// ResetCadence controls how often the budget cycle rotates.
type ResetCadence string

const (
	ResetDaily   ResetCadence = "daily"
	ResetWeekly  ResetCadence = "weekly"
	ResetMonthly ResetCadence = "monthly"
	ResetNever   ResetCadence = "never"
)

// AgentSpend is the per-agent slice of a cycle's usage.
type AgentSpend struct {
	Cost     MicroUSD `json:"cost_micro_usd"`
	JobCount int      `json:"job_count"`
	Tokens   int64    `json:"tokens"`
}

// BudgetCycle is one accounting period. A cycle is superseded, never
// mutated, at each reset; closed cycles are immutable history.
type BudgetCycle struct {
	ID          CycleID                 `json:"id"`
	PeriodStart time.Time               `json:"period_start"`
	PeriodEnd   *time.Time              `json:"period_end,omitempty"` // nil when cadence is "never"
	Total       MicroUSD                `json:"total_micro_usd"`
	Used        MicroUSD                `json:"used_micro_usd"`
	ByAgent     map[AgentType]AgentSpend `json:"by_agent"`
	ClosedAt    *time.Time              `json:"closed_at,omitempty"`
}

// Percentage returns used/total as a 0-100+ percentage.
func (c BudgetCycle) Percentage() float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Used) / float64(c.Total) * 100
}

// BudgetAlert fires once per (cycle, threshold) when usage crosses a
// configured percentage of the ceiling.
type BudgetAlert struct {
	CycleID   CycleID   `json:"cycle_id"`
	Threshold int       `json:"threshold"`
	Used      MicroUSD  `json:"used_micro_usd"`
	Total     MicroUSD  `json:"total_micro_usd"`
	At        time.Time `json:"at"`
}

// NextPeriodEnd computes when a cycle starting at start should close.
// Returns nil for ResetNever.
func NextPeriodEnd(start time.Time, cadence ResetCadence) *time.Time {
	var end time.Time
	switch cadence {
	case ResetDaily:
		end = start.AddDate(0, 0, 1)
	case ResetWeekly:
		end = start.AddDate(0, 0, 7)
	case ResetMonthly:
		end = start.AddDate(0, 1, 0)
	default:
		return nil
	}
	return &end
}
