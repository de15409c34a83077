// Package eventstest provides an in-memory events.Publisher for tests.
package eventstest

import (
	"context"
	"sync"

	"coinwallet/internal/common/events"
)

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []*events.Event
	Err    error
}

// Publish records the event, or returns Err when set
func (r *Recorder) Publish(_ context.Context, event *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events of the given type, or all when
// eventType is empty
func (r *Recorder) Events(eventType string) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
