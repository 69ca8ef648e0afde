// Package events provides the in-process event bus and its two outbound
// sinks: the websocket hub and the webhook dispatcher.
package events

import (
	"sync"
	"time"

	"gobby/internal/logging"
)

// Well-known event types.
const (
	TypeSessionStarted  = "session.started"
	TypeSessionEnded    = "session.ended"
	TypeHookDecision    = "hook.decision"
	TypeTaskCreated     = "task.created"
	TypeTaskUpdated     = "task.updated"
	TypeTaskClosed      = "task.closed"
	TypeTaskReady       = "task.ready"
	TypeWorkflowPhase   = "workflow.phase_changed"
	TypeWorkflowBlocked = "workflow.tool_blocked"
	TypeAgentSpawned    = "agent.spawned"
	TypeAgentCompleted  = "agent.completed"
	TypeAgentKilled     = "agent.killed"
	TypeMessageSent     = "message.sent"
	TypeMergeConflict   = "merge.conflict"
	TypeMergeCompleted  = "merge.completed"
)

// Event is the unit broadcast through the bus and its sinks.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Listener receives published events.
type Listener func(Event)

type subscriber struct {
	types map[string]bool // empty = all
	ch    chan Event
	done  chan struct{}
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

// Bus is the in-process pub/sub hub. Each subscriber gets its own buffered
// queue and dispatch goroutine, so a slow or failing subscriber never blocks
// producers, and events for a subscriber arrive in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	logger logging.Logger
}

const subscriberBuffer = 256

// NewBus creates an event bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers fn for the given event types (nil or empty = all
// events) and returns an unsubscribe function.
func (b *Bus) Subscribe(types []string, fn Listener) func() {
	sub := &subscriber{
		types: make(map[string]bool, len(types)),
		ch:    make(chan Event, subscriberBuffer),
		done:  make(chan struct{}),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				b.deliver(fn, ev)
			case <-sub.done:
				// Drain whatever was queued before unsubscribe.
				for {
					select {
					case ev := <-sub.ch:
						b.deliver(fn, ev)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.done)
		}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panic on %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}

// Publish fans the event out to all matching subscribers. When a subscriber
// queue is full the oldest event is dropped and logged; producers never block.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(ev.Type) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			select {
			case dropped := <-sub.ch:
				b.logger.Warn("subscriber overflow, dropped %s", dropped.Type)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Close stops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}
