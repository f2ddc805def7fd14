package civ

import (
	"sync"
	"time"
)

// Event is a structured record of something that happened in the
// civilization. Events feed the dashboard and the activity log; they
// are observability, not control flow.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventHandler receives emitted events. Handlers run synchronously on
// the emitting goroutine and must not block.
type EventHandler func(Event)

// EventBus is a bounded in-memory event log with subscriber fan-out.
// When the buffer fills, the oldest events are dropped.
type EventBus struct {
	mu       sync.RWMutex
	capacity int
	events   []Event
	handlers map[string][]EventHandler
	all      []EventHandler
}

// NewEventBus creates a bus retaining at most capacity events.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventBus{
		capacity: capacity,
		handlers: make(map[string][]EventHandler),
	}
}

// Emit records an event and notifies subscribers. Handlers are invoked
// outside the bus lock so they may query the bus.
func (b *EventBus) Emit(eventType string, data map[string]any) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}

	b.mu.Lock()
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
	typed := make([]EventHandler, len(b.handlers[eventType]))
	copy(typed, b.handlers[eventType])
	all := make([]EventHandler, len(b.all))
	copy(all, b.all)
	b.mu.Unlock()

	for _, h := range typed {
		h(ev)
	}
	for _, h := range all {
		h(ev)
	}
}

// On subscribes a handler to one event type, or to every event when
// eventType is "*".
func (b *EventBus) On(eventType string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "*" {
		b.all = append(b.all, h)
		return
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Recent returns the newest n events, oldest first.
func (b *EventBus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.events) {
		n = len(b.events)
	}
	out := make([]Event, n)
	copy(out, b.events[len(b.events)-n:])
	return out
}

// RecentByType returns the newest n events of one type, oldest first.
func (b *EventBus) RecentByType(eventType string, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matched []Event
	for _, ev := range b.events {
		if ev.Type == eventType {
			matched = append(matched, ev)
		}
	}
	if n <= 0 || n > len(matched) {
		n = len(matched)
	}
	return matched[len(matched)-n:]
}
