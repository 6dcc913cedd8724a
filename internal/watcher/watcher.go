// Package watcher turns raw fsnotify notifications into debounced batches of
// file changes.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/obby/reload-hub/internal/patterns"
	"github.com/rs/zerolog/log"
)

// FileWatcher wraps fsnotify and provides debouncing and pattern matching
type FileWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	matcher   *patterns.Matcher
	content   *ContentFilter
	handler   BatchHandler
	errors    chan error
	mu        sync.RWMutex
	watching  map[string]bool
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// NewFileWatcher creates a new file watcher. handler receives each batch
// once debounce has elapsed without new events.
func NewFileWatcher(debounce time.Duration, matcher *patterns.Matcher, handler BatchHandler) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &FileWatcher{
		watcher:  w,
		matcher:  matcher,
		handler:  handler,
		errors:   make(chan error, 10),
		watching: make(map[string]bool),
	}
	fw.debouncer = NewDebouncer(debounce, fw.dispatch)
	return fw, nil
}

// SetContentFilter drops batch entries whose content did not change. Call before Start.
func (fw *FileWatcher) SetContentFilter(cf *ContentFilter) {
	fw.content = cf
}

// dispatch runs on the debouncer's timer goroutine
func (fw *FileWatcher) dispatch(batch []FileEvent) {
	if fw.content != nil {
		n := len(batch)
		batch = fw.content.Filter(batch)
		if len(batch) < n {
			log.Debug().Int("dropped", n-len(batch)).Msg("skipped saves without content changes")
		}
	}
	if len(batch) == 0 || fw.handler == nil {
		return
	}
	fw.handler(batch)
}

// Start starts processing events until ctx is cancelled or Stop is called
func (fw *FileWatcher) Start(ctx context.Context) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	fw.cancel = cancel
	fw.done = make(chan struct{})
	fw.running = true

	go fw.processEvents(watchCtx, fw.done)
	return nil
}

// Stop stops the file watcher
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.cancel != nil {
		fw.cancel()
	}
	done := fw.done
	fw.running = false
	fw.mu.Unlock()

	if done != nil {
		<-done
	}

	fw.debouncer.Stop()
	err := fw.watcher.Close()
	log.Info().Msg("file watcher stopped")
	return err
}

// AddPath adds a path to watch. Directories are watched recursively.
func (fw *FileWatcher) AddPath(path string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if fw.watching[absPath] {
		return nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fw.addDirectoryRecursive(absPath)
	}

	if err := fw.watcher.Add(absPath); err != nil {
		return err
	}
	fw.watching[absPath] = true
	log.Info().Str("path", absPath).Msg("watching file")
	return nil
}

// addDirectoryRecursive adds a directory and all subdirectories recursively
func (fw *FileWatcher) addDirectoryRecursive(dirPath string) error {
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			return nil
		}

		// The root was asked for explicitly; only prune below it
		if path != dirPath && fw.matcher != nil && fw.matcher.IsIgnored(path) {
			return filepath.SkipDir
		}

		if !fw.watching[path] {
			if err := fw.watcher.Add(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to add watch")
				return nil // Continue on error
			}
			fw.watching[path] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("path", dirPath).Int("watches", len(fw.watching)).Msg("watching directory")
	return nil
}

// RemovePath removes a path from watching
func (fw *FileWatcher) RemovePath(path string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if !fw.watching[absPath] {
		return nil
	}

	if err := fw.watcher.Remove(absPath); err != nil {
		return err
	}

	delete(fw.watching, absPath)
	return nil
}

// WatchedPaths returns the number of active watches
func (fw *FileWatcher) WatchedPaths() int {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return len(fw.watching)
}

// processEvents processes events from fsnotify
func (fw *FileWatcher) processEvents(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watcher error")
			select {
			case fw.errors <- err:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleEvent handles a single fsnotify event
func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}

	info, statErr := os.Stat(event.Name)

	// New directories need their own watch so files created in them are seen
	if statErr == nil && info.IsDir() {
		if event.Op.Has(fsnotify.Create) && (fw.matcher == nil || !fw.matcher.IsIgnored(event.Name)) {
			fw.mu.Lock()
			if err := fw.addDirectoryRecursive(event.Name); err != nil {
				log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
			}
			fw.mu.Unlock()
		}
		return
	}

	if !fw.matcher.ShouldProcess(event.Name) {
		return
	}

	fw.debouncer.Add(FileEvent{
		Path:      event.Name,
		EventType: determineEventType(event, statErr == nil),
		Timestamp: time.Now(),
	})
}

// determineEventType maps an fsnotify op to an event type
func determineEventType(event fsnotify.Event, exists bool) string {
	switch {
	case event.Op.Has(fsnotify.Remove):
		return EventDeleted
	case event.Op.Has(fsnotify.Rename):
		return EventRenamed
	case event.Op.Has(fsnotify.Create) && exists:
		return EventCreated
	case !exists:
		return EventDeleted
	default:
		return EventModified
	}
}

// Errors returns the errors channel
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}
