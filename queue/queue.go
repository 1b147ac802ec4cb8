// Package queue implements the append-only, monotonically versioned
// event log: the `history` table and the Event shape the dispatch engine
// builds on (model and emitter declare their own narrower event types).
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratokit/stratodb/conn"
)

// Event is the persisted unit of dispatch. V is shared by a root event
// and every child dispatched while processing it; only the root event's
// row is ever stored directly in the history table — a child's presence
// is entirely inside its parent's Events slice.
type Event struct {
	V      int64          `json:"v"`
	Type   string         `json:"type"`
	TS     int64          `json:"ts"`
	Data   any            `json:"data,omitempty"`
	Result map[string]any `json:"result,omitempty"`
	Events []Event        `json:"events,omitempty"`
	Error  map[string]any `json:"error,omitempty"`
}

// Handled reports whether ev has a populated Result and no Error — the
// terminal-success state.
func (ev *Event) Handled() bool {
	return ev.Result != nil && ev.Error == nil
}

// Failed reports whether ev has a populated Error.
func (ev *Event) Failed() bool {
	return ev.Error != nil
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting every Queue
// method run either inside an ongoing dispatch transaction or standalone
// against a reader/writer handle.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue wraps the history table.
type Queue struct {
	c *conn.Conn
}

// New wraps an opened Conn. Call EnsureSchema once before use.
func New(c *conn.Conn) *Queue {
	return &Queue{c: c}
}

// EnsureSchema creates the history table if it does not already exist.
func (q *Queue) EnsureSchema() error {
	return q.c.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			v      INTEGER PRIMARY KEY,
			type   TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			data   TEXT,
			result TEXT,
			events TEXT,
			error  TEXT
		)
	`)
}

// Add allocates the next monotonic version (max(v)+1, starting at 1) and
// inserts a new, unhandled row. ts defaults to the current Unix time in
// milliseconds when zero.
func (q *Queue) Add(ctx context.Context, ex execer, typ string, data any, ts int64) (*Event, error) {
	if typ == "" {
		return nil, fmt.Errorf("queue: add: type is required")
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	dataJSON, err := marshalNullable(data)
	if err != nil {
		return nil, fmt.Errorf("queue: add: marshal data: %w", err)
	}

	row := ex.QueryRowContext(ctx, `
		INSERT INTO history (v, type, ts, data)
		VALUES (COALESCE((SELECT MAX(v) FROM history), 0) + 1, ?, ?, ?)
		RETURNING v
	`, typ, ts, dataJSON)

	var v int64
	if err := row.Scan(&v); err != nil {
		return nil, fmt.Errorf("queue: add: %w", err)
	}
	return &Event{V: v, Type: typ, TS: ts, Data: data}, nil
}

// Set upserts a full event row at ev.V — the write-back path after
// processing, and the replay entry point: seeding a row at an existing v
// with a non-null Events but null Result, via Set, re-queues that
// version for processing.
func (q *Queue) Set(ctx context.Context, ex execer, ev *Event) error {
	dataJSON, err := marshalNullable(ev.Data)
	if err != nil {
		return fmt.Errorf("queue: set: marshal data: %w", err)
	}
	resultJSON, err := marshalNullable(ev.Result)
	if err != nil {
		return fmt.Errorf("queue: set: marshal result: %w", err)
	}
	if ev.Result != nil && !resultJSON.Valid {
		// A handled event whose models reduced to nothing still has a
		// (empty) result; storing NULL would make it look unhandled.
		resultJSON = sql.NullString{String: "{}", Valid: true}
	}
	eventsJSON, err := marshalNullable(ev.Events)
	if err != nil {
		return fmt.Errorf("queue: set: marshal events: %w", err)
	}
	errorJSON, err := marshalNullable(ev.Error)
	if err != nil {
		return fmt.Errorf("queue: set: marshal error: %w", err)
	}
	ts := ev.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO history (v, type, ts, data, result, events, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(v) DO UPDATE SET
			type   = excluded.type,
			ts     = excluded.ts,
			data   = excluded.data,
			result = excluded.result,
			events = excluded.events,
			error  = excluded.error
	`, ev.V, ev.Type, ts, dataJSON, resultJSON, eventsJSON, errorJSON)
	if err != nil {
		return fmt.Errorf("queue: set: %w", err)
	}
	return nil
}

// GetNext returns the event with the smallest v > afterV that is still
// unhandled (null result, null error), or nil if there is none.
func (q *Queue) GetNext(ctx context.Context, ex execer, afterV int64) (*Event, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT v, type, ts, data, result, events, error
		  FROM history
		 WHERE v > ? AND result IS NULL AND error IS NULL
		 ORDER BY v
		 LIMIT 1
	`, afterV)
	return scanEvent(row.Scan)
}

// Get fetches the event at v, or nil if it does not exist.
func (q *Queue) Get(ctx context.Context, ex execer, v int64) (*Event, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT v, type, ts, data, result, events, error
		  FROM history WHERE v = ?
	`, v)
	return scanEvent(row.Scan)
}

// GetMaxV returns the highest persisted version, or 0 if the log is empty.
func (q *Queue) GetMaxV(ctx context.Context, ex execer) (int64, error) {
	row := ex.QueryRowContext(ctx, `SELECT COALESCE(MAX(v), 0) FROM history`)
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("queue: get max v: %w", err)
	}
	return v, nil
}

// ---- internal helpers ----

type scanFn func(dest ...any) error

func scanEvent(scan scanFn) (*Event, error) {
	var ev Event
	var data, result, events, errs sql.NullString
	err := scan(&ev.V, &ev.Type, &ev.TS, &data, &result, &events, &errs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: scan: %w", err)
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
			return nil, fmt.Errorf("queue: scan: unmarshal data: %w", err)
		}
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &ev.Result); err != nil {
			return nil, fmt.Errorf("queue: scan: unmarshal result: %w", err)
		}
	}
	if events.Valid {
		if err := json.Unmarshal([]byte(events.String), &ev.Events); err != nil {
			return nil, fmt.Errorf("queue: scan: unmarshal events: %w", err)
		}
	}
	if errs.Valid {
		if err := json.Unmarshal([]byte(errs.String), &ev.Error); err != nil {
			return nil, fmt.Errorf("queue: scan: unmarshal error: %w", err)
		}
	}
	return &ev, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []Event:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
