// SPDX-License-Identifier: AGPL-3.0-or-later
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrQuotaExceeded indicates a payload larger than the whole journal
// budget; it can never be stored.
var ErrQuotaExceeded = errors.New("journal: quota exceeded")

// Entry is one persisted progress event.
type Entry struct {
	Seq       int64
	JobID     string
	EventType string
	Payload   []byte
	Timestamp time.Time
}

// Journal provides append-only persistence for job events.
type Journal struct {
	db       *sql.DB
	maxBytes int64
	nowFn    func() time.Time
}

// New returns a Journal over the open DB.
func New(db *DB) *Journal {
	if db == nil {
		return nil
	}
	return &Journal{
		db:       db.sql,
		maxBytes: db.opts.MaxBytes,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Append stores an event and returns it with its allocated sequence
// number. Eviction of the oldest entries and the insert happen in one
// transaction so the size budget holds atomically.
func (j *Journal) Append(ctx context.Context, jobID, eventType string, payload []byte) (Entry, error) {
	var entry Entry
	if j == nil {
		return entry, nil
	}
	if jobID == "" {
		return entry, fmt.Errorf("append journal: job id required")
	}
	if len(payload) == 0 {
		return entry, fmt.Errorf("append journal: payload required")
	}
	payloadBytes := int64(len(payload))
	if payloadBytes > j.maxBytes {
		return entry, ErrQuotaExceeded
	}

	now := j.nowFn()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return entry, fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existingBytes int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(length(payload)), 0) FROM job_event_journal`).Scan(&existingBytes); err != nil {
		return entry, fmt.Errorf("journal size lookup: %w", err)
	}

	for existingBytes+payloadBytes > j.maxBytes {
		var seq, size int64
		err = tx.QueryRowContext(ctx, `SELECT seq, length(payload) FROM job_event_journal ORDER BY seq ASC LIMIT 1`).Scan(&seq, &size)
		if errors.Is(err, sql.ErrNoRows) {
			err = nil
			break
		}
		if err != nil {
			return entry, fmt.Errorf("journal eviction lookup: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_event_journal WHERE seq = ?`, seq); err != nil {
			return entry, fmt.Errorf("journal eviction delete seq=%d: %w", seq, err)
		}
		existingBytes -= size
		if existingBytes < 0 {
			existingBytes = 0
		}
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
INSERT INTO job_event_journal (job_id, event_type, payload, ts)
VALUES (?, ?, ?, ?)
`, jobID, eventType, payload, now.UnixMilli())
	if err != nil {
		return entry, fmt.Errorf("journal insert: %w", err)
	}
	var seq int64
	seq, err = res.LastInsertId()
	if err != nil {
		return entry, fmt.Errorf("journal last insert id: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return entry, fmt.Errorf("commit journal tx: %w", err)
	}

	entry = Entry{Seq: seq, JobID: jobID, EventType: eventType, Payload: payload, Timestamp: now}
	return entry, nil
}

// ForEach streams the job's entries with seq > afterSeq in order.
func (j *Journal) ForEach(ctx context.Context, jobID string, afterSeq int64, fn func(Entry) error) error {
	if j == nil {
		return nil
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT seq, job_id, event_type, payload, ts
FROM job_event_journal
WHERE job_id = ? AND seq > ?
ORDER BY seq ASC
`, jobID, afterSeq)
	if err != nil {
		return fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.Seq, &e.JobID, &e.EventType, &e.Payload, &ts); err != nil {
			return fmt.Errorf("journal scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Bounds returns the lowest and highest retained sequence for a job,
// zero when nothing is retained.
func (j *Journal) Bounds(ctx context.Context, jobID string) (earliest, latest int64, err error) {
	if j == nil {
		return 0, 0, nil
	}
	err = j.db.QueryRowContext(ctx, `
SELECT COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0)
FROM job_event_journal
WHERE job_id = ?
`, jobID).Scan(&earliest, &latest)
	if err != nil {
		return 0, 0, fmt.Errorf("journal bounds: %w", err)
	}
	return earliest, latest, nil
}

// ParseEventID parses a Last-Event-ID value into a sequence number.
// Empty means "from the beginning".
func ParseEventID(id string) (int64, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid event id %q", id)
	}
	return seq, nil
}
