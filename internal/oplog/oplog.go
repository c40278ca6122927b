package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Outcome is the completion status of one proxied filesystem operation.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailed  Outcome = "failed"
)

// Entry is one audit row: which session asked for what, and how it ended.
type Entry struct {
	ID       int64
	RecordID string
	Method   string
	Path     string
	Outcome  Outcome
	Detail   string
	At       time.Time
}

// Store is the append-only operation log behind the filesystem proxy,
// backed by SQLite (pure Go driver, no CGO).
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_record ON operations(record_id, id);
`

// New opens (or creates) the operation log at dbPath and ensures its schema.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create oplog directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open oplog database: %w", err)
	}

	// SQLite supports one writer; a single pooled connection serializes
	// access and avoids "database is locked" under concurrent callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init oplog schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one operation. A zero At is stamped with the current time.
func (s *Store) Append(ctx context.Context, e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (record_id, method, path, outcome, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.RecordID, e.Method, e.Path, string(e.Outcome), e.Detail, at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// ListForRecord returns the newest operations for one session record,
// newest first. limit <= 0 applies a default of 200.
func (s *Store) ListForRecord(ctx context.Context, recordID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, method, path, outcome, detail, at
		 FROM operations WHERE record_id = ? ORDER BY id DESC LIMIT ?`,
		recordID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcome, at string
		if err := rows.Scan(&e.ID, &e.RecordID, &e.Method, &e.Path, &outcome, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if ts, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return entries, nil
}
