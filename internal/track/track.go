// Package track correlates outbound JSON-RPC requests with inbound
// responses, applying a fixed per-request timeout.
package track

import (
	"encoding/json"
	"sync"
	"time"
)

// Pending describes one outstanding request.
type Pending struct {
	ID      json.RawMessage
	Method  string
	Started time.Time
}

// Elapsed returns how long the request has been outstanding.
func (p Pending) Elapsed() time.Duration {
	return time.Since(p.Started)
}

type entry struct {
	Pending
	timer *time.Timer
}

// Tracker owns the pending-request map for one session. Each Register arms
// a timer; Resolve, the timer firing, or FailAll removes the entry —
// whichever happens first, and exactly one of them. All timers are
// explicitly stopped; nothing is left for the runtime to collect.
type Tracker struct {
	timeout   time.Duration
	onTimeout func(Pending)

	mu      sync.Mutex
	pending map[string]*entry
}

// New creates a Tracker. onTimeout is invoked from a timer goroutine after
// the expired entry has already been removed, so callbacks can safely call
// back into the Tracker.
func New(timeout time.Duration, onTimeout func(Pending)) *Tracker {
	return &Tracker{
		timeout:   timeout,
		onTimeout: onTimeout,
		pending:   make(map[string]*entry),
	}
}

// Register records a pending request and starts its timeout. If the id is
// already pending the previous entry is replaced and its timer stopped;
// replaced reports that case so the caller can log it.
func (t *Tracker) Register(id json.RawMessage, method string) (replaced bool) {
	key := string(id)

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.pending[key]; ok {
		old.timer.Stop()
		replaced = true
	}

	e := &entry{Pending: Pending{ID: id, Method: method, Started: time.Now()}}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, e) })
	t.pending[key] = e
	return replaced
}

// Resolve cancels the timeout and removes the entry, reporting whether one
// existed.
func (t *Tracker) Resolve(id json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.pending[string(id)]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.pending, string(id))
	return true
}

// FailAll stops every timer, clears the map, and returns the removed
// entries so the caller can synthesize one error response per id.
func (t *Tracker) FailAll() []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Pending, 0, len(t.pending))
	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
		out = append(out, e.Pending)
	}
	return out
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Timeout returns the configured per-request timeout.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

func (t *Tracker) expire(key string, e *entry) {
	t.mu.Lock()
	cur, ok := t.pending[key]
	if !ok || cur != e {
		// Resolved, failed, or replaced before the timer fired.
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	t.mu.Unlock()

	if t.onTimeout != nil {
		t.onTimeout(e.Pending)
	}
}
