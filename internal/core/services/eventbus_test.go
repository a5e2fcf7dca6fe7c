package services

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func TestEventBus_PubSub(t *testing.T) {
	bus := NewEventBus(testLogger())

	jobID := domain.JobID("job-123")
	sub := bus.Subscribe(Filter{Topic: JobTopic(jobID)})
	defer bus.Unsubscribe(sub)

	event := Event{
		Topic: JobTopic(jobID),
		Type:  EventJobStatus,
		JobID: jobID,
		Data:  `{"status":"running"}`,
	}
	bus.Publish(event)

	select {
	case received := <-sub.Events():
		assert.Equal(t, event.JobID, received.JobID)
		assert.Equal(t, event.Data, received.Data)
		assert.NotZero(t, received.Timestamp)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(testLogger())
	jobID := domain.JobID("job-456")

	sub := bus.Subscribe(Filter{Topic: JobTopic(jobID)})
	bus.Unsubscribe(sub)

	bus.Publish(Event{Topic: JobTopic(jobID), Type: EventJobStatus, Data: "should not receive"})

	_, open := <-sub.Events()
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestEventBus_AllJobsTopicReceivesJobEvents(t *testing.T) {
	bus := NewEventBus(testLogger())

	all := bus.Subscribe(Filter{Topic: TopicAllJobs})
	defer bus.Unsubscribe(all)

	bus.Publish(Event{
		Topic: JobTopic("job-1"),
		Type:  EventJobStatus,
		JobID: "job-1",
		Agent: domain.AgentSEOWriter,
	})

	select {
	case received := <-all.Events():
		assert.Equal(t, domain.JobID("job-1"), received.JobID)
	case <-time.After(1 * time.Second):
		t.Fatal("all-jobs subscriber did not receive job event")
	}
}

func TestEventBus_AgentFilter(t *testing.T) {
	bus := NewEventBus(testLogger())

	sub := bus.Subscribe(Filter{Topic: TopicAllJobs, Agent: domain.AgentCMO})
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Topic: JobTopic("a"), JobID: "a", Agent: domain.AgentSEOWriter})
	bus.Publish(Event{Topic: JobTopic("b"), JobID: "b", Agent: domain.AgentCMO})

	select {
	case received := <-sub.Events():
		assert.Equal(t, domain.JobID("b"), received.JobID)
	case <-time.After(1 * time.Second):
		t.Fatal("filtered subscriber did not receive matching event")
	}

	select {
	case extra := <-sub.Events():
		t.Fatalf("received event for filtered-out agent: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBus_DropOldestOnOverflow(t *testing.T) {
	bus := NewEventBus(testLogger())

	sub := bus.Subscribe(Filter{Topic: TopicBudget})
	defer bus.Unsubscribe(sub)

	// Flood well past the queue size without consuming.
	total := subscriberQueueSize + 10
	for i := 0; i < total; i++ {
		bus.Publish(Event{Topic: TopicBudget, Type: EventBudgetUpdated, Data: fmt.Sprintf("%d", i)})
	}

	require.Equal(t, uint64(10), sub.Dropped())
	assert.Equal(t, uint64(10), bus.DroppedTotal())

	// The oldest events were evicted; the first one delivered is the
	// 11th published.
	first := <-sub.Events()
	assert.Equal(t, "10", first.Data)
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewEventBus(testLogger())
	topic := JobTopic("job-multi")

	sub1 := bus.Subscribe(Filter{Topic: topic})
	defer bus.Unsubscribe(sub1)
	sub2 := bus.Subscribe(Filter{Topic: topic})
	defer bus.Unsubscribe(sub2)

	bus.Publish(Event{Topic: topic, Data: "broadcast"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.Events():
		case <-time.After(1 * time.Second):
			t.Fatal("subscriber missed broadcast")
		}
	}
}
