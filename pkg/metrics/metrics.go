package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	subsystem = "agentdesk"

	// Labels
	statusLabel = "status"
	agentLabel  = "agent"
)

var jobsSubmittedMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "jobs_submitted_total",
		Help:      "number of jobs accepted for execution",
	},
	[]string{agentLabel},
)

var jobsTerminalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "jobs_terminal_total",
		Help:      "number of jobs reaching a terminal status",
	},
	[]string{statusLabel},
)

var jobsInflightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "jobs_inflight",
		Help:      "number of jobs currently queued or running",
	},
)

var budgetUsedMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "budget_used_usd",
		Help:      "spend accrued in the current budget cycle",
	},
)

var eventsDroppedMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "events_dropped_total",
		Help:      "events lost to subscriber queue overflow",
	},
)

func IncreaseJobsSubmittedMetric(agent string) {
	jobsSubmittedMetric.With(prometheus.Labels{agentLabel: agent}).Inc()
}

func IncreaseJobsTerminalMetric(status string) {
	jobsTerminalMetric.With(prometheus.Labels{statusLabel: status}).Inc()
}

func UpdateJobsInflightMetric(delta int) {
	jobsInflightMetric.Add(float64(delta))
}

func UpdateBudgetUsedMetric(usd float64) {
	budgetUsedMetric.Set(usd)
}

func IncreaseEventsDroppedMetric() {
	eventsDroppedMetric.Inc()
}

// Handler exposes the process registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobsSubmittedMetric)
	prometheus.MustRegister(jobsTerminalMetric)
	prometheus.MustRegister(jobsInflightMetric)
	prometheus.MustRegister(budgetUsedMetric)
	prometheus.MustRegister(eventsDroppedMetric)
}
