// Package audit persists session lifecycle events to a local SQLite database.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
`

// Store records session lifecycle events in SQLite. It implements the
// session registry's Recorder interface. Writes are best-effort: a failed
// insert is logged, never surfaced to the session path.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the audit database at path and ensures the schema
// exists.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent session churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// SessionEvent records one lifecycle event for a session.
func (s *Store) SessionEvent(ctx context.Context, sessionID, event, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, event, detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		s.logger.Error("failed to record session event",
			"session_id", sessionID, "event", event, "error", err)
	}
}

// Events returns all recorded events for a session, oldest first.
func (s *Store) Events(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, event, detail, created_at FROM session_events WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.SessionID, &e.Event, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Event is one recorded session lifecycle event.
type Event struct {
	SessionID string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
