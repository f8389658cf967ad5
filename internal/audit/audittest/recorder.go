// Package audittest provides an audit.Recorder that keeps events in memory. For tests only.
package audittest

import (
	"context"
	"sync"

	"credential-core/internal/audit"
)

// Recorder captures every recorded event.
type Recorder struct {
	mu     sync.Mutex
	events []audit.Event
	// OnSync, when set, runs before a RecordSync event is stored.
	OnSync func(audit.Event)
}

func (r *Recorder) Record(ctx context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) RecordSync(ctx context.Context, ev audit.Event) error {
	if r.OnSync != nil {
		r.OnSync(ev)
	}
	r.Record(ctx, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t audit.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t.
func (r *Recorder) Last(t audit.EventType) (audit.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return audit.Event{}, false
}
