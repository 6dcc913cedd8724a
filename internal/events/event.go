// Package events defines the events published by the change stream and the
// publisher contract they are delivered through.
package events

import "strings"

// Name identifies an event on the bus.
type Name string

// Event names. These strings are consumed by browser clients and must not change.
const (
	FileChanged           Name = "file:changed"
	FileReload            Name = "file:reload"
	StreamChanged         Name = "stream:changed"
	BrowserReloadInternal Name = "_browser:reload"
	BrowserReload         Name = "browser:reload"
)

// Fixed payload values.
const (
	ChangeEvent   = "change"
	CoreNamespace = "core"
	InjectType    = "inject"
)

// Event is a single (name, payload) pair. Payload is nil for the reload signals.
type Event struct {
	Name    Name
	Payload any
}

// FileChangedPayload is the payload for file:changed.
type FileChangedPayload struct {
	Path      string `json:"path"`
	Basename  string `json:"basename"`
	Ext       string `json:"ext"`
	Event     string `json:"event"`
	Log       bool   `json:"log"`
	Namespace string `json:"namespace"`
}

// FileReloadPayload is the payload for file:reload.
type FileReloadPayload struct {
	Path     string `json:"path"`
	Basename string `json:"basename"`
	Ext      string `json:"ext"`
	Type     string `json:"type"`
	Event    string `json:"event"`
	Log      bool   `json:"log"`
}

// StreamChangedPayload is the payload for stream:changed.
type StreamChangedPayload struct {
	Changed []string `json:"changed"`
}

// IsInternal reports whether an event is meant for server-side listeners only.
// Internal names start with an underscore and are never sent to browsers.
func IsInternal(name Name) bool {
	return strings.HasPrefix(string(name), "_")
}
