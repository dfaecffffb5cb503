package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/auterity/engine-go/internal/models"
)

// Type identifies the lifecycle milestone an event reports.
type Type string

const (
	ExecutionStarted       Type = "execution-started"
	ExecutionStatusChanged Type = "execution-status-changed"
	StepStarted            Type = "step-started"
	StepCompleted          Type = "step-completed"
	StepFailed             Type = "step-failed"
	LogAppended            Type = "log-appended"
	ExecutionTerminated    Type = "execution-terminated"
)

// Event is a state-change notification fanned out to subscribers.
type Event struct {
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Message     string         `json:"message,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        models.JSONMap `json:"data,omitempty"`
}

// Subscriber receives events pushed by the bus. Delivery is best-effort
// in-process; durable delivery to external consumers is the subscriber's
// own responsibility.
type Subscriber struct {
	C      <-chan Event
	cancel func()
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.cancel()
}

type subscriberEntry struct {
	ch     chan Event
	closed bool
}

// Bus is the process-internal publish/subscribe channel keyed by execution
// id. Events for a given execution are delivered in publish order: Publish
// holds the bus lock while fanning out, and each subscriber owns a buffered
// channel drained by its consumer.
type Bus struct {
	logger *zap.Logger
	buffer int

	mu      sync.Mutex
	nextID  int
	perExec map[string]map[int]*subscriberEntry
	global  map[int]*subscriberEntry
}

// NewBus builds an event bus. Buffer bounds each subscriber channel; a
// subscriber that falls that far behind is dropped rather than stalling
// delivery to the rest.
func NewBus(logger *zap.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		logger:  logger.With(zap.String("component", "event-bus")),
		buffer:  buffer,
		perExec: make(map[string]map[int]*subscriberEntry),
		global:  make(map[int]*subscriberEntry),
	}
}

// Subscribe attaches to one execution's event stream. The stream closes after
// execution-terminated is delivered or when the subscriber detaches.
func (b *Bus) Subscribe(executionID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	entry := &subscriberEntry{ch: make(chan Event, b.buffer)}
	if b.perExec[executionID] == nil {
		b.perExec[executionID] = make(map[int]*subscriberEntry)
	}
	b.perExec[executionID][id] = entry

	return &Subscriber{
		C: entry.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.removeExecSubscriber(executionID, id)
		},
	}
}

// SubscribeAll attaches to every execution's events (used by the webhook
// dispatcher).
func (b *Bus) SubscribeAll() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	entry := &subscriberEntry{ch: make(chan Event, b.buffer)}
	b.global[id] = entry

	return &Subscriber{
		C: entry.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if e, ok := b.global[id]; ok && !e.closed {
				e.closed = true
				close(e.ch)
			}
			delete(b.global, id)
		},
	}
}

// Publish fans the event out to the execution's subscribers and all global
// subscribers. A subscriber whose buffer is full is dropped so one slow
// consumer cannot block the engine loop.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, entry := range b.perExec[event.ExecutionID] {
		if !b.send(entry, event) {
			b.logger.Warn("subscriber channel full, dropping subscription",
				zap.String("execution_id", event.ExecutionID))
			b.removeExecSubscriber(event.ExecutionID, id)
		}
	}
	for id, entry := range b.global {
		if !b.send(entry, event) {
			b.logger.Warn("global subscriber channel full, dropping subscription")
			if !entry.closed {
				entry.closed = true
				close(entry.ch)
			}
			delete(b.global, id)
		}
	}

	// The terminated event is the last one for an execution; close its
	// streams so gateways see EOF.
	if event.Type == ExecutionTerminated {
		for id := range b.perExec[event.ExecutionID] {
			b.removeExecSubscriber(event.ExecutionID, id)
		}
	}
}

func (b *Bus) send(entry *subscriberEntry, event Event) bool {
	if entry.closed {
		return true
	}
	select {
	case entry.ch <- event:
		return true
	default:
		return false
	}
}

func (b *Bus) removeExecSubscriber(executionID string, id int) {
	subs, ok := b.perExec[executionID]
	if !ok {
		return
	}
	if entry, ok := subs[id]; ok && !entry.closed {
		entry.closed = true
		close(entry.ch)
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.perExec, executionID)
	}
}
