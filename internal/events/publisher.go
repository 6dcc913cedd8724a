package events

import "sync"

// Publisher receives events. Publish must not block on delivery.
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(event Event)

// Publish calls f(event).
func (f PublisherFunc) Publish(event Event) {
	f(event)
}

type tee []Publisher

func (t tee) Publish(event Event) {
	for _, p := range t {
		p.Publish(event)
	}
}

// Tee returns a Publisher that forwards every event to each non-nil publisher, in order.
func Tee(publishers ...Publisher) Publisher {
	out := make(tee, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Recorder is a Publisher that keeps every event it receives, in order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish appends the event.
func (r *Recorder) Publish(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names returns the recorded event names, in order.
func (r *Recorder) Names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Name, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
