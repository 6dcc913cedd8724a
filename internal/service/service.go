// Package service runs reload batches on behalf of the watcher and the
// HTTP, gRPC and CLI entry points.
package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/obby/reload-hub/internal/events"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/obby/reload-hub/internal/watcher"
	"github.com/rs/zerolog/log"
)

// ErrNoPaths is returned by RunBatch when called without any paths.
var ErrNoPaths = errors.New("service: no paths given")

// BatchSummary describes the outcome of one reload batch.
type BatchSummary struct {
	Accepted   int      `json:"accepted"`
	Changed    []string `json:"changed"`
	FullReload bool     `json:"full_reload"`
}

// Stats are running totals since the Reloader was created.
type Stats struct {
	Batches     int64 `json:"batches"`
	FullReloads int64 `json:"full_reloads"`
}

// Reloader opens one stream per batch over a shared publisher.
type Reloader struct {
	publisher events.Publisher
	defaults  stream.Options

	// Batches run one at a time so their events never interleave on the bus.
	mu sync.Mutex

	batches     atomic.Int64
	fullReloads atomic.Int64
}

// New creates a Reloader. defaults apply to watcher batches.
func New(publisher events.Publisher, defaults stream.Options) (*Reloader, error) {
	if publisher == nil {
		return nil, errors.New("service: publisher is required")
	}
	// Fail at startup rather than on the first file change
	if _, err := stream.New(publisher, defaults); err != nil {
		return nil, fmt.Errorf("default stream options: %w", err)
	}
	return &Reloader{publisher: publisher, defaults: defaults}, nil
}

// Defaults returns the options used for watcher batches.
func (r *Reloader) Defaults() stream.Options {
	return r.defaults
}

// RunBatch writes paths to a fresh stream opened with opts and ends it.
func (r *Reloader) RunBatch(paths []string, opts stream.Options) (BatchSummary, error) {
	if len(paths) == 0 {
		return BatchSummary{}, ErrNoPaths
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := stream.New(r.publisher, opts)
	if err != nil {
		return BatchSummary{}, err
	}
	for _, p := range paths {
		if err := s.Write(stream.Record{Path: p}); err != nil {
			return BatchSummary{}, err
		}
	}
	result := s.End()

	if !result.Empty() {
		r.batches.Add(1)
		if result.TriggeredReload {
			r.fullReloads.Add(1)
		}
	}

	log.Info().
		Int("paths", len(paths)).
		Int("accepted", len(result.Changed)).
		Bool("full_reload", result.TriggeredReload).
		Bool("once", opts.Once).
		Str("match", opts.Match).
		Msg("reload batch")

	changed := result.Changed
	if changed == nil {
		changed = []string{}
	}
	return BatchSummary{
		Accepted:   len(result.Changed),
		Changed:    changed,
		FullReload: result.TriggeredReload,
	}, nil
}

// HandleWatchBatch is a watcher.BatchHandler. Files that no longer exist are
// skipped; the rest run as one batch with the default options.
func (r *Reloader) HandleWatchBatch(batch []watcher.FileEvent) {
	paths := make([]string, 0, len(batch))
	for _, e := range batch {
		if e.EventType == watcher.EventDeleted || e.EventType == watcher.EventRenamed {
			continue
		}
		paths = append(paths, e.Path)
	}
	if len(paths) == 0 {
		log.Debug().Int("events", len(batch)).Msg("watch batch had only removals")
		return
	}

	if _, err := r.RunBatch(paths, r.defaults); err != nil {
		log.Error().Err(err).Msg("failed to run watch batch")
	}
}

// Stats returns the running totals.
func (r *Reloader) Stats() Stats {
	return Stats{
		Batches:     r.batches.Load(),
		FullReloads: r.fullReloads.Load(),
	}
}
