// Package history keeps a bounded, queryable log of published reload events
// in SQLite. The default DSN is in-memory, so the log lives only as long as
// the process.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/obby/reload-hub/internal/events"
	"github.com/rs/zerolog/log"
)

// DefaultDSN is an in-memory database shared by every connection in the
// process. It is gone once the last connection closes.
const DefaultDSN = "file:reload-hub?mode=memory&cache=shared"

const writeQueueSize = 1024

const schema = `
CREATE TABLE IF NOT EXISTS reload_events (
	seq        INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL,
	payload    TEXT,
	created_at INTEGER NOT NULL
)`

// Entry is one recorded event.
type Entry struct {
	Seq       int64           `json:"seq"`
	Name      events.Name     `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Options configure a Store.
type Options struct {
	// Limit is the number of rows kept. Older rows are trimmed.
	Limit int
	// Workers is the number of goroutines writing rows.
	Workers int
}

// Store records events and implements events.Publisher.
type Store struct {
	conn  *sql.DB
	pool  *WorkerPool
	limit int
	seq   atomic.Int64
	now   func() time.Time
}

// Open opens the database at dsn and prepares the schema
func Open(dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	conn, err := sql.Open("sqlite3", withParam(dsn, "_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single long-lived connection keeps an in-memory database alive
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	var last sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(seq) FROM reload_events`).Scan(&last); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	s := &Store{
		conn:  conn,
		limit: opts.Limit,
		now:   time.Now,
	}
	s.seq.Store(last.Int64)
	s.pool = NewWorkerPool(opts.Workers, writeQueueSize, func(err error) {
		log.Warn().Err(err).Msg("failed to record event")
	})
	s.pool.Start()

	return s, nil
}

// Publish queues the event for insertion. It never blocks; when the write
// queue is full the event is skipped.
func (s *Store) Publish(event events.Event) {
	var payload []byte
	if event.Payload != nil {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			log.Warn().Err(err).Str("event", string(event.Name)).Msg("failed to encode event for history")
			return
		}
		payload = data
	}

	entry := Entry{
		Seq:       s.seq.Add(1),
		Name:      event.Name,
		Payload:   payload,
		CreatedAt: s.now(),
	}

	if !s.pool.TrySubmit(TaskFunc(func(ctx context.Context) error {
		return s.insert(ctx, entry)
	})) {
		log.Warn().Str("event", string(event.Name)).Msg("history queue full, event not recorded")
	}
}

// insert writes one entry and trims rows beyond the limit
func (s *Store) insert(ctx context.Context, e Entry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		payload = sql.NullString{String: string(e.Payload), Valid: true}
	}

	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO reload_events (seq, name, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.Seq, string(e.Name), payload, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Seq, err)
	}

	_, err = s.conn.ExecContext(ctx,
		`DELETE FROM reload_events WHERE seq <= (SELECT MAX(seq) FROM reload_events) - ?`,
		s.limit,
	)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT seq, name, payload, created_at FROM reload_events ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e       Entry
			name    string
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Seq, &name, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Name = events.Name(name)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM reload_events`).Scan(&n)
	return n, err
}

// Close drains pending writes and closes the database connection
func (s *Store) Close() error {
	s.pool.Stop()
	return s.conn.Close()
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}
