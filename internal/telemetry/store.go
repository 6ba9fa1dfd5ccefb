// Package telemetry persists sessions, events, and sampled drive commands
// to a local SQLite file. All writes go through a buffered queue serviced
// by one goroutine, so a slow disk can never stall the control path; a
// full queue drops writes and counts them.
package telemetry

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Bumply/bitirme/internal/logx"
	"github.com/Bumply/bitirme/pkg/control"
)

// Config holds the store tuning.
type Config struct {
	Path string

	// CommandSampleInterval thins the 20 Hz command stream down to one
	// row per interval.
	CommandSampleInterval time.Duration

	// QueueSize bounds the async writer queue.
	QueueSize int
}

// DefaultConfig returns the deployed store tuning.
func DefaultConfig() Config {
	return Config{
		Path:                  "facedrive.db",
		CommandSampleInterval: time.Second,
		QueueSize:             256,
	}
}

// Entry is one recorded event, newest first in Recent results.
type Entry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

type write struct {
	event  bool
	at     time.Time
	kind   string
	detail string
	cmd    control.Command
}

// Store is the telemetry sink for one process lifetime. Opening a store
// begins a new session row; Close finalizes it.
type Store struct {
	cfg     Config
	log     *slog.Logger
	db      *sql.DB
	session string

	queue chan write
	done  chan struct{}

	mu        sync.Mutex
	lastCmdAt time.Time
	dropped   uint64
	closed    bool
}

// Open opens or creates the database, applies migrations, and starts a
// new session.
func Open(cfg Config) (*Store, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.CommandSampleInterval <= 0 {
		cfg.CommandSampleInterval = DefaultConfig().CommandSampleInterval
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", cfg.Path, err)
	}
	// One connection serializes the writer goroutine against API reads.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	s := &Store{
		cfg:     cfg,
		log:     logx.Component("telemetry"),
		db:      db,
		session: uuid.NewString(),
		queue:   make(chan write, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if _, err := db.Exec(
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`,
		s.session, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: start session: %w", err)
	}

	go s.writer()
	s.log.Info("telemetry session started", "session", s.session, "path", cfg.Path)
	return s, nil
}

// Session returns the current session id.
func (s *Store) Session() string { return s.session }

// Event records one named event. Never blocks.
func (s *Store) Event(kind, detail string) {
	s.enqueue(write{event: true, at: time.Now().UTC(), kind: kind, detail: detail})
}

// Command records a drive command, thinned to the sampling interval.
// Never blocks.
func (s *Store) Command(cmd control.Command, at time.Time) {
	s.mu.Lock()
	if at.Sub(s.lastCmdAt) < s.cfg.CommandSampleInterval {
		s.mu.Unlock()
		return
	}
	s.lastCmdAt = at
	s.mu.Unlock()

	s.enqueue(write{at: at.UTC(), cmd: cmd})
}

func (s *Store) enqueue(w write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- w:
	default:
		s.dropped++
	}
}

// Dropped returns how many writes the full queue discarded.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Store) writer() {
	defer close(s.done)
	for w := range s.queue {
		s.apply(w)
	}
}

func (s *Store) apply(w write) {
	at := w.at.Format(time.RFC3339Nano)
	var err error
	if w.event {
		_, err = s.db.Exec(
			`INSERT INTO events (session_id, at, kind, detail) VALUES (?, ?, ?, ?)`,
			s.session, at, w.kind, w.detail,
		)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO command_log (session_id, at, speed, steering, stop) VALUES (?, ?, ?, ?, ?)`,
			s.session, at, w.cmd.Speed, w.cmd.Steering, w.cmd.Stop,
		)
	}
	if err != nil {
		s.log.Warn("telemetry write failed", "error", err)
	}
}

// Recent returns up to limit events of the current session, newest first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT at, kind, detail FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		s.session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&at, &e.Kind, &e.Detail); err != nil {
			return nil, fmt.Errorf("telemetry: scan event: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, at); perr == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close drains the queue, finalizes the session row, and closes the
// database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done

	_, uerr := s.db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), s.session,
	)
	cerr := s.db.Close()
	if uerr != nil {
		return fmt.Errorf("telemetry: end session: %w", uerr)
	}
	return cerr
}
