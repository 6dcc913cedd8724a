// Package stream turns a sequence of file change records into browser reload
// events.
//
// A Stream is opened per batch, fed with Write, and closed with End:
//
//	s, err := stream.New(publisher, stream.Options{Match: "**/*.css"})
//	if err != nil {
//	    return err
//	}
//	for _, path := range changed {
//	    _ = s.Write(stream.Record{Path: path})
//	}
//	s.End()
//
// Per-file events (file:changed, file:reload) are published from Write in
// call order. Batch events (stream:changed, _browser:reload, browser:reload)
// are published from End, after every per-file event of the batch.
package stream

import (
	"slices"
	"strings"
	"sync"

	"github.com/obby/reload-hub/internal/events"
	"github.com/obby/reload-hub/internal/patterns"
	"github.com/rs/zerolog/log"
)

// Record is one observed file change.
type Record struct {
	Path string
}

func (r Record) validate() error {
	if strings.TrimSpace(r.Path) == "" {
		return ErrMalformedRecord
	}
	return nil
}

// Options configure one stream. They are fixed for the stream's lifetime.
type Options struct {
	// Once forces a single full page reload for the batch and suppresses per-file events.
	Once bool `json:"once" mapstructure:"once" yaml:"once"`
	// Match, when set, is a glob a path must match to join the batch.
	Match string `json:"match" mapstructure:"match" yaml:"match"`
}

// Stream is a single reload batch. It is OPEN until End is called, then ENDED.
type Stream struct {
	publisher events.Publisher
	opts      Options
	filter    *patterns.Filter

	mu    sync.Mutex
	batch Batch
	ended bool
}

// New opens a stream publishing to p. It fails only when opts.Match is not a valid glob.
func New(p events.Publisher, opts Options) (*Stream, error) {
	filter, err := patterns.NewFilter(opts.Match)
	if err != nil {
		return nil, err
	}
	return &Stream{
		publisher: p,
		opts:      opts,
		filter:    filter,
	}, nil
}

// Options returns the options the stream was opened with.
func (s *Stream) Options() Options {
	return s.opts
}

// Write processes one record. Records rejected by the match filter and
// records without a path are dropped without publishing anything.
// Write returns ErrInvalidState after End.
func (s *Stream) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return ErrInvalidState
	}

	if err := rec.validate(); err != nil {
		log.Debug().Err(err).Msg("dropping record")
		return nil
	}

	if !s.filter.Accepts(rec.Path) {
		log.Trace().
			Str("path", rec.Path).
			Str("match", s.filter.Pattern()).
			Msg("record filtered out")
		return nil
	}

	info := Classify(rec.Path)
	decision := Decide(info.Ext, s.opts.Once)

	if !decision.SuppressLog {
		s.publisher.Publish(events.Event{
			Name: events.FileChanged,
			Payload: events.FileChangedPayload{
				Path:      info.Path,
				Basename:  info.Basename,
				Ext:       info.Ext,
				Event:     events.ChangeEvent,
				Log:       false,
				Namespace: events.CoreNamespace,
			},
		})
	}

	switch decision.Mode {
	case ModeInject:
		s.publisher.Publish(events.Event{
			Name: events.FileReload,
			Payload: events.FileReloadPayload{
				Path:     info.Path,
				Basename: info.Basename,
				Ext:      info.Ext,
				Type:     events.InjectType,
				Event:    events.ChangeEvent,
				Log:      false,
			},
		})
	case ModeReload:
		s.batch.MarkReload()
	}

	s.batch.Accept(info.Basename)
	return nil
}

// End closes the stream and publishes the batch events. Calling End more
// than once has no further effect. The returned result is empty on repeat calls.
func (s *Stream) End() BatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return BatchResult{}
	}
	s.ended = true

	result := s.batch.Flush()
	if result.Empty() {
		log.Trace().Msg("stream ended with no accepted files")
		return result
	}

	s.publisher.Publish(events.Event{
		Name:    events.StreamChanged,
		Payload: events.StreamChangedPayload{Changed: slices.Clone(result.Changed)},
	})

	if result.TriggeredReload {
		s.publisher.Publish(events.Event{Name: events.BrowserReloadInternal})
		s.publisher.Publish(events.Event{Name: events.BrowserReload})
	}

	log.Debug().
		Int("files", len(result.Changed)).
		Bool("full_reload", result.TriggeredReload).
		Msg("stream batch flushed")

	return result
}

// Ended reports whether End has been called.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
