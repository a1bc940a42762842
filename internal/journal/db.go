// SPDX-License-Identifier: AGPL-3.0-or-later

// Package journal persists the progress bus durably in SQLite so that an
// SSE client reconnecting with Last-Event-ID can replay what it missed,
// across engine restarts included.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	dbFileName       = "journal.db"

	defaultBusyTimeout = 5 * time.Second
	defaultMaxBytes    = 64 << 20 // 64 MiB
)

// Options controls how the journal DB is opened.
type Options struct {
	// Dir is the directory the DB file lives in (the state dir).
	Dir string
	// MaxBytes bounds the journal table footprint; oldest entries are
	// evicted to stay under it. Zero uses the default.
	MaxBytes int64
}

// DB wraps the SQLite connection behind the journal.
type DB struct {
	sql  *sql.DB
	opts Options
}

// Open initialises the journal DB with its pragmas and schema.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("journal: directory required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal dir: %w", err)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}

	dbPath := filepath.Join(opts.Dir, dbFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(dbPath), int(defaultBusyTimeout/time.Millisecond))

	conn, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		fmt.Sprintf("PRAGMA journal_size_limit=%d;", opts.MaxBytes),
	}
	for _, stmt := range pragmas {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", stmt, err)
		}
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{sql: conn, opts: opts}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS job_event_journal (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT    NOT NULL,
    event_type TEXT    NOT NULL,
    payload    BLOB    NOT NULL,
    ts         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS job_event_journal_job_seq ON job_event_journal (job_id, seq);
`

// Close shuts down the underlying connection.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}
