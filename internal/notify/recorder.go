package notify

import (
	"context"
	"sync"
)

// Recorder keeps every event it receives. It satisfies both Publisher and
// Sink, and is used by tests and the in-memory demo mode.
type Recorder struct {
	mu     sync.Mutex
	events []*Event
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, event *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *event
	r.events = append(r.events, &cp)
}

// Send records the event.
func (r *Recorder) Send(ctx context.Context, event *Event) error {
	r.Publish(ctx, event)
	return nil
}

// Events returns a snapshot of recorded events.
func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of the given type, in publish order.
func (r *Recorder) OfType(t EventType) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
