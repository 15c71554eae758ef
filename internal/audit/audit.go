// Package audit keeps a bounded local log of risk decisions and upstream
// facilitator exchanges for the debug endpoint.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds.
const (
	KindDecision = "decision"
	KindUpstream = "upstream"
)

// DefaultRetain is how many events SQLiteLog keeps.
const DefaultRetain = 1000

// Event is one audit entry. Fields that do not apply to the kind stay empty.
type Event struct {
	ID         int64           `json:"id"`
	At         time.Time       `json:"at"`
	Kind       string          `json:"kind"`
	RequestID  string          `json:"request_id,omitempty"`
	Op         string          `json:"op,omitempty"` // verify or settle
	Decision   string          `json:"decision,omitempty"`
	DecisionID string          `json:"decision_id,omitempty"`
	Reasons    []string        `json:"reasons,omitempty"`
	StatusCode int             `json:"status_code,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// Log records and lists audit events.
type Log interface {
	Record(ctx context.Context, ev *Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}

// SQLiteLog stores events in an embedded SQLite database.
type SQLiteLog struct {
	db     *sql.DB
	retain int
}

// Open opens (or creates) the database at path. ":memory:" keeps it in process.
func Open(ctx context.Context, path string, retain int) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// One connection: an in-memory database exists per connection, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if retain <= 0 {
		retain = DefaultRetain
	}
	l := &SQLiteLog{db: db, retain: retain}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		op TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		decision_id TEXT NOT NULL DEFAULT '',
		reasons JSON,
		status_code INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		detail JSON
	);`
	if _, err := l.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate audit db: %w", err)
	}
	return nil
}

// Record inserts ev and trims the table to the retention bound.
// ev.ID and a zero ev.At are filled in.
func (l *SQLiteLog) Record(ctx context.Context, ev *Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	var reasons, detail any
	if len(ev.Reasons) > 0 {
		b, _ := json.Marshal(ev.Reasons)
		reasons = string(b)
	}
	if len(ev.Detail) > 0 {
		detail = string(ev.Detail)
	}

	res, err := l.db.ExecContext(ctx, `INSERT INTO events (
		at, kind, request_id, op, decision, decision_id, reasons, status_code, duration_ms, detail
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.At.UTC().Format(time.RFC3339Nano), ev.Kind, ev.RequestID, ev.Op, ev.Decision, ev.DecisionID,
		reasons, ev.StatusCode, ev.DurationMS, detail,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("audit event id: %w", err)
	}

	if ev.ID > int64(l.retain) {
		if _, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE id <= ?`, ev.ID-int64(l.retain)); err != nil {
			return fmt.Errorf("trim audit log: %w", err)
		}
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *SQLiteLog) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, at, kind, request_id, op, decision, decision_id, reasons, status_code, duration_ms, detail
		FROM events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			at      string
			reasons sql.NullString
			detail  sql.NullString
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Kind, &ev.RequestID, &ev.Op, &ev.Decision, &ev.DecisionID,
			&reasons, &ev.StatusCode, &ev.DurationMS, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		if reasons.Valid {
			_ = json.Unmarshal([]byte(reasons.String), &ev.Reasons)
		}
		if detail.Valid {
			ev.Detail = json.RawMessage(detail.String)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// Nop discards events. Used when the audit log is disabled.
type Nop struct{}

func (Nop) Record(context.Context, *Event) error { return nil }
func (Nop) Recent(context.Context, int) ([]Event, error) { return nil, nil }
func (Nop) Close() error { return nil }

var (
	_ Log = (*SQLiteLog)(nil)
	_ Log = Nop{}
)
