// Package gateway fans link and engine events out to API clients.
package gateway

import (
	"sync"
	"time"
)

// EventType classifies an event for WebSocket clients.
type EventType string

const (
	EventPeerDiscovered    EventType = "peer_discovered"
	EventScenarioProgress  EventType = "scenario_progress"
	EventScenarioCompleted EventType = "scenario_completed"
	EventStatus            EventType = "status"
)

// Event is the JSON-serialisable envelope broadcast to WebSocket clients.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// subscriber holds a buffered channel for one WebSocket connection.
type subscriber struct {
	ch chan Event
}

// EventBus fans events out to all registered clients. Subscribers are
// channel-based rather than raw connections to keep the bus
// transport-agnostic and testable without a real WebSocket.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a new client. Returns a receive channel and an
// unsubscribe function that must be called when the client disconnects
// (it closes the channel).
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers.
// Slow consumers are skipped (their buffer is full) to avoid stalling
// the publisher; they can catch up via the REST results endpoint.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// Slow consumer, drop silently.
		}
	}
}

// PublishPeerDiscovered wraps EventPeerDiscovered events.
func (b *EventBus) PublishPeerDiscovered(data interface{}) {
	b.Publish(Event{Type: EventPeerDiscovered, Data: data})
}

// PublishProgress wraps EventScenarioProgress events.
func (b *EventBus) PublishProgress(data interface{}) {
	b.Publish(Event{Type: EventScenarioProgress, Data: data})
}

// PublishCompleted wraps EventScenarioCompleted events.
func (b *EventBus) PublishCompleted(data interface{}) {
	b.Publish(Event{Type: EventScenarioCompleted, Data: data})
}

// PublishStatus wraps EventStatus events.
func (b *EventBus) PublishStatus(data interface{}) {
	b.Publish(Event{Type: EventStatus, Data: data})
}

// SubscribeAny adapts Subscribe for consumers that take untyped events,
// such as the API's WebSocket stream.
func (b *EventBus) SubscribeAny() (<-chan interface{}, func()) {
	ch, unsub := b.Subscribe()
	out := make(chan interface{}, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()
	return out, func() {
		close(done)
		unsub()
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
