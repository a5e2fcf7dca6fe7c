package services

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/pkg/metrics"
	"github.com/google/uuid"
)

type EventType string

const (
	EventJobStatus     EventType = "job.status"
	EventJobProgress   EventType = "job.progress"
	EventBudgetUpdated EventType = "budget.updated"
	EventBudgetAlert   EventType = "budget.alert"
)

const (
	// TopicAllJobs receives every job event regardless of job id.
	TopicAllJobs = "jobs"
	// TopicBudget carries budget snapshots and threshold alerts.
	TopicBudget = "budget"

	jobTopicPrefix = "job:"

	// Bounded per-subscriber queue. A full queue evicts the oldest event
	// so a slow consumer can never block Publish.
	subscriberQueueSize = 64
)

// JobTopic returns the per-job topic key.
func JobTopic(id domain.JobID) string {
	return jobTopicPrefix + string(id)
}

type Event struct {
	Topic     string           `json:"topic"`
	Type      EventType        `json:"type"`
	JobID     domain.JobID     `json:"job_id,omitempty"`
	Agent     domain.AgentType `json:"agent,omitempty"`
	Data      string           `json:"data"` // JSON payload
	Timestamp int64            `json:"timestamp"`
}

// Filter scopes a subscription: a topic, optionally narrowed to one
// agent type (meaningful for TopicAllJobs).
type Filter struct {
	Topic string
	Agent domain.AgentType
}

type Subscription struct {
	id      string
	filter  Filter
	events  chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events is the delivery channel. Closed on unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped returns how many events this subscriber has lost to queue
// overflow. Observers use a rising value as the signal to full-resync.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// EventBus fans out job-state and budget-state changes in-process.
// Delivery is at-least-once and ordered per topic; slow subscribers
// drop oldest rather than blocking publishers.
type EventBus struct {
	logger    *slog.Logger
	dropTotal atomic.Uint64

	mu   sync.RWMutex
	subs map[string][]*Subscription // keyed by topic
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]*Subscription),
	}
}

func (b *EventBus) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: f,
		events: make(chan Event, subscriberQueueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[f.Topic] = append(b.subs[f.Topic], sub)
	return sub
}

func (b *EventBus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := sub.filter.Topic
	subscribers := b.subs[topic]
	for i, s := range subscribers {
		if s == sub {
			b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	sub.once.Do(func() { close(sub.events) })
}

// Publish delivers an event to subscribers of its topic. Job events are
// additionally delivered to TopicAllJobs subscribers whose agent filter
// matches.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[e.Topic] {
		b.deliver(sub, e)
	}

	if strings.HasPrefix(e.Topic, jobTopicPrefix) {
		for _, sub := range b.subs[TopicAllJobs] {
			if sub.filter.Agent != "" && sub.filter.Agent != e.Agent {
				continue
			}
			b.deliver(sub, e)
		}
	}
}

func (b *EventBus) deliver(sub *Subscription, e Event) {
	select {
	case sub.events <- e:
		return
	default:
	}

	// Queue full: evict the oldest event to make room for the newest.
	select {
	case <-sub.events:
		sub.dropped.Add(1)
		b.dropTotal.Add(1)
		metrics.IncreaseEventsDroppedMetric()
		b.logger.Warn("event queue full, dropping oldest", "topic", e.Topic, "subscriber", sub.id)
	default:
	}
	select {
	case sub.events <- e:
	default:
		sub.dropped.Add(1)
		b.dropTotal.Add(1)
		metrics.IncreaseEventsDroppedMetric()
	}
}

// DroppedTotal is the bus-wide overflow counter.
func (b *EventBus) DroppedTotal() uint64 {
	return b.dropTotal.Load()
}
