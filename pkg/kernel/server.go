package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/services"
	"github.com/elev8tion/agentdesk/pkg/metrics"
)

// Server exposes the job and budget subsystem over HTTP: submission,
// status, cancellation, retry, SSE event streams, budget snapshots and
// the worker callback endpoints.
type Server struct {
	logger       *slog.Logger
	orchestrator *services.Orchestrator
	registry     *services.JobRegistry
	ledger       *services.BudgetLedger
	gateway      *services.SyncGateway
	eventBus     *services.EventBus
}

func NewServer(
	logger *slog.Logger,
	orchestrator *services.Orchestrator,
	registry *services.JobRegistry,
	ledger *services.BudgetLedger,
	gateway *services.SyncGateway,
	eventBus *services.EventBus,
) *Server {
	return &Server{
		logger:       logger,
		orchestrator: orchestrator,
		registry:     registry,
		ledger:       ledger,
		gateway:      gateway,
		eventBus:     eventBus,
	}
}

// Handler mounts all routes on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", s.handleSubmitJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/stats", s.handleJobStats)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /v1/jobs/{id}/events", s.handleJobSSE)
	mux.HandleFunc("GET /v1/events", s.handleAllJobsSSE)

	mux.HandleFunc("GET /v1/budget", s.handleBudgetSnapshot)
	mux.HandleFunc("GET /v1/budget/history", s.handleBudgetHistory)
	mux.HandleFunc("POST /v1/budget/rotate", s.handleBudgetRotate)
	mux.HandleFunc("GET /v1/budget/events", s.handleBudgetSSE)

	// Inbound callbacks from the external agent worker.
	mux.HandleFunc("POST /v1/callbacks/jobs/{id}/progress", s.handleWorkerProgress)
	mux.HandleFunc("POST /v1/callbacks/jobs/{id}/complete", s.handleWorkerComplete)
	mux.HandleFunc("POST /v1/callbacks/jobs/{id}/fail", s.handleWorkerFail)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Detail: "malformed request body"})
		return
	}

	job, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			// The denial is recorded as a failed job; surface both.
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":  "BudgetExceeded",
				"detail": err.Error(),
				"job_id": job.ID,
			})
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.JobStatus(r.URL.Query().Get("status"))
	agent := domain.AgentType(r.URL.Query().Get("agent"))
	writeJSON(w, http.StatusOK, s.registry.ListFiltered(status, agent))
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	// The registry is canonical; the gateway only contributes the
	// additive cancel-requested flag so a cancel request is visible
	// before its terminal event lands.
	job, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.gateway.CancelPending(id) {
		job.CancelRequested = true
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	// Optimistic overlay first: the client sees cancel-requested
	// immediately, reconciled once the terminal event lands.
	s.gateway.RequestCancel(id)

	accepted, err := s.orchestrator.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	job, err := s.orchestrator.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       job.ID,
		"status":       job.Status,
		"retry_count":  job.RetryCount,
		"retried_from": job.RetriedFrom,
	})
}

type agentSpendView struct {
	CostUSD  float64 `json:"cost_usd"`
	JobCount int     `json:"job_count"`
	Tokens   int64   `json:"tokens"`
}

type budgetSnapshotView struct {
	CycleID          domain.CycleID            `json:"cycle_id"`
	UsedUSD          float64                   `json:"used_usd"`
	TotalUSD         float64                   `json:"total_usd"`
	Percentage       float64                   `json:"percentage"`
	BreakdownByAgent map[string]agentSpendView `json:"breakdown_by_agent"`
	NextResetAt      *time.Time                `json:"next_reset_at,omitempty"`
}

func (s *Server) handleBudgetSnapshot(w http.ResponseWriter, r *http.Request) {
	cycle := s.ledger.Snapshot()

	view := budgetSnapshotView{
		CycleID:          cycle.ID,
		UsedUSD:          cycle.Used.Dollars(),
		TotalUSD:         cycle.Total.Dollars(),
		Percentage:       cycle.Percentage(),
		BreakdownByAgent: make(map[string]agentSpendView, len(cycle.ByAgent)),
		NextResetAt:      s.ledger.NextResetAt(),
	}
	for agent, spend := range cycle.ByAgent {
		view.BreakdownByAgent[string(agent)] = agentSpendView{
			CostUSD:  spend.Cost.Dollars(),
			JobCount: spend.JobCount,
			Tokens:   spend.Tokens,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleBudgetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.History())
}

func (s *Server) handleBudgetRotate(w http.ResponseWriter, r *http.Request) {
	s.ledger.Rotate(r.Context())
	writeJSON(w, http.StatusOK, s.ledger.Snapshot())
}

type progressCallback struct {
	Progress int    `json:"progress"`
	Step     string `json:"step,omitempty"`
}

func (s *Server) handleWorkerProgress(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	var cb progressCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, &domain.ValidationError{Detail: "malformed callback body"})
		return
	}

	if err := s.orchestrator.HandleProgress(r.Context(), id, cb.Progress, cb.Step); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkerComplete(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	var report services.CompletionReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, &domain.ValidationError{Detail: "malformed callback body"})
		return
	}

	if err := s.orchestrator.HandleCompletion(r.Context(), id, report); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failureCallback struct {
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (s *Server) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))

	var cb failureCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		writeError(w, &domain.ValidationError{Detail: "malformed callback body"})
		return
	}

	if err := s.orchestrator.HandleFailure(r.Context(), id, cb.Reason, cb.Retryable); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError

	status := http.StatusInternalServerError
	kind := "InternalError"
	switch {
	case errors.As(err, &validationErr):
		status, kind = http.StatusBadRequest, "ValidationError"
	case errors.Is(err, domain.ErrJobNotFound):
		status, kind = http.StatusNotFound, "NotFound"
	case errors.Is(err, domain.ErrBudgetExceeded):
		status, kind = http.StatusPaymentRequired, "BudgetExceeded"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, kind = http.StatusConflict, "InvalidTransition"
	case errors.Is(err, services.ErrRetryExhausted):
		status, kind = http.StatusConflict, "RetryExhausted"
	}

	writeJSON(w, status, map[string]string{
		"error":  kind,
		"detail": err.Error(),
	})
}
