package kernel

import (
	"fmt"
	"net/http"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/services"
)

// handleJobSSE streams events for a single job.
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(r.PathValue("id"))
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, err)
		return
	}
	s.streamSSE(w, r, services.Filter{Topic: services.JobTopic(id)})
}

// handleAllJobsSSE streams every job event, optionally narrowed to one
// agent type via ?agent=.
func (s *Server) handleAllJobsSSE(w http.ResponseWriter, r *http.Request) {
	s.streamSSE(w, r, services.Filter{
		Topic: services.TopicAllJobs,
		Agent: domain.AgentType(r.URL.Query().Get("agent")),
	})
}

// handleBudgetSSE streams budget snapshots and threshold alerts.
func (s *Server) handleBudgetSSE(w http.ResponseWriter, r *http.Request) {
	s.streamSSE(w, r, services.Filter{Topic: services.TopicBudget})
}

func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, filter services.Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.eventBus.Subscribe(filter)
	defer s.eventBus.Unsubscribe(sub)

	var seenDrops uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			// A slow client that lost events gets told to refetch full
			// state instead of trusting the rest of the stream.
			if dropped := sub.Dropped(); dropped > seenDrops {
				seenDrops = dropped
				fmt.Fprintf(w, "event: resync\ndata: {\"dropped\": %d}\n\n", dropped)
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}
