// Package eventbus provides the fan-out pub/sub bus feeding the bridge's
// observability surfaces (IPC subscribers, history store).
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	SessionCreated    = "session.created"
	SessionTerminated = "session.terminated"
	ProcessSpawned    = "process.spawned"
	ProcessExited     = "process.exited"
	RequestTimeout    = "request.timeout"
	LimitBreach       = "limit.breach"
	LogEntry          = "log.entry"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus is a fan-out pub/sub event bus. Publish never blocks: slow
// subscribers lose events rather than stalling a session.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // channel → subscribed types (nil = all)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]bool)}
}

// Subscribe returns a buffered channel receiving events of the given types,
// or all events when none are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(types) == 0 {
		b.subs[ch] = nil
	} else {
		filter := make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
		b.subs[ch] = filter
	}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every matching subscriber, dropping it for
// subscribers whose buffer is full.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit marshals data and publishes an event of the given type for a session.
func (b *Bus) Emit(eventType, sessionID string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), SessionID: sessionID, Data: raw})
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
