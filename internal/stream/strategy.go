package stream

// Mode is how a browser should apply a file change.
type Mode string

const (
	// ModeInject updates the resource in place without reloading the page.
	ModeInject Mode = "inject"
	// ModeReload reloads the whole page.
	ModeReload Mode = "reload"
)

// injectable lists the extensions browsers can hot-swap.
var injectable = map[string]struct{}{
	"css": {},
}

// Decision is the outcome of Decide for one file.
type Decision struct {
	Mode Mode
	// SuppressLog means no per-file events are published for the file.
	SuppressLog bool
}

// Decide picks the reload mode for a file extension. With once set every
// file forces a full reload and per-file events are suppressed.
func Decide(ext string, once bool) Decision {
	if once {
		return Decision{Mode: ModeReload, SuppressLog: true}
	}
	if IsInjectable(ext) {
		return Decision{Mode: ModeInject}
	}
	return Decision{Mode: ModeReload}
}

// IsInjectable reports whether ext can be applied without a page reload.
func IsInjectable(ext string) bool {
	_, ok := injectable[ext]
	return ok
}
