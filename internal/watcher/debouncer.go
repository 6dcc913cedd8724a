package watcher

import (
	"sync"
	"time"
)

// Debouncer collects file events until no new event has arrived for the
// configured delay, then hands them to the handler as one batch.
// Repeated events for a path keep the path's first position and the latest type.
type Debouncer struct {
	delay   time.Duration
	handler BatchHandler

	mu      sync.Mutex
	timer   *time.Timer
	order   []string
	pending map[string]FileEvent
	stopped bool
}

// NewDebouncer creates a new debouncer with the specified delay
func NewDebouncer(delay time.Duration, handler BatchHandler) *Debouncer {
	return &Debouncer{
		delay:   delay,
		handler: handler,
		pending: make(map[string]FileEvent),
	}
}

// Add queues an event and restarts the quiet-period timer
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		event.EventType = mergeEventTypes(existing.EventType, event.EventType)
	} else {
		d.order = append(d.order, event.Path)
	}
	d.pending[event.Path] = event

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Flush delivers anything pending immediately
func (d *Debouncer) Flush() {
	d.fire()
}

// Pending returns the number of queued paths
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped || len(d.order) == 0 {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	batch := make([]FileEvent, 0, len(d.order))
	for _, path := range d.order {
		batch = append(batch, d.pending[path])
	}
	d.order = nil
	d.pending = make(map[string]FileEvent)
	d.mu.Unlock()

	if d.handler != nil {
		d.handler(batch)
	}
}

// Stop stops the pending timer and discards queued events
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.order = nil
	d.pending = make(map[string]FileEvent)
}

// mergeEventTypes keeps the more significant of two event types.
func mergeEventTypes(existing, next string) string {
	if next == EventDeleted {
		return EventDeleted
	}
	// created then modified is still a new file
	if existing == EventCreated && next == EventModified {
		return EventCreated
	}
	return next
}
