package watcher

import "time"

// FileEvent represents a file system event
type FileEvent struct {
	Path      string
	EventType string // created, modified, deleted, renamed
	Timestamp time.Time
}

// EventType constants
const (
	EventCreated  = "created"
	EventModified = "modified"
	EventDeleted  = "deleted"
	EventRenamed  = "renamed"
)

// BatchHandler receives one debounced batch of events, in first-arrival order.
type BatchHandler func(batch []FileEvent)
