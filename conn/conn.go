// Package conn owns the single writer SQL connection (and a small pool of
// read-only reader connections) against one SQLite-class embedded database
// file: WAL journaling, bounded jittered retry on SQLITE_BUSY, and a
// WithTransaction helper that serialises writers in-process and emits the
// begin/end/rollback/finally lifecycle signals. The writer connection is
// opened, and its pragmas applied, inside Open; opening is not deferred to
// first use.
package conn

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stratokit/stratodb/config"
	"github.com/stratokit/stratodb/emitter"
)

// Conn wraps a writer *sql.DB (exactly one open connection, as in the
// teacher's store/sqlite.go) and a reader *sql.DB (a small pool against the
// same file) behind a single serialisation point for write transactions.
type Conn struct {
	writer *sql.DB
	reader *sql.DB

	emit   *emitter.Emitter
	cfg    *config.Global
	quiet  bool

	// writeSlot is a 1-buffered token channel: full means the writer is
	// free, empty means a transaction currently holds it. Acquiring reads
	// the token out; releasing puts it back.
	writeSlot chan struct{}
}

// Open opens (or creates) the database file at path. path == ":memory:" is
// supported for tests, in which case the reader pool collapses to the same
// in-memory connection as the writer (a fresh ":memory:" reader handle
// would see an empty, unrelated database).
func Open(path string, cfg *config.Global, emit *emitter.Emitter) (*Conn, error) {
	writer, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("conn: open %s: %w", path, err)
	}
	writer.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA recursive_triggers=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := writer.Exec(pragma); err != nil {
			writer.Close()
			return nil, fmt.Errorf("conn: %s: %w", pragma, err)
		}
	}

	c := &Conn{
		writer:    writer,
		emit:      emit,
		cfg:       cfg,
		writeSlot: make(chan struct{}, 1),
	}
	c.writeSlot <- struct{}{}

	if path == ":memory:" {
		c.reader = writer
		return c, nil
	}

	reader, err := sql.Open("sqlite", path)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("conn: open reader %s: %w", path, err)
	}
	size := cfg.Get().ReaderPoolSize
	if size <= 0 {
		size = 4
	}
	reader.SetMaxOpenConns(size)
	if _, err := reader.Exec("PRAGMA busy_timeout=5000"); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("conn: reader busy_timeout: %w", err)
	}
	c.reader = reader
	return c, nil
}

// Reader returns the read-only connection pool. Callers see committed
// state only — WAL readers never block on, or see, an in-progress writer
// transaction. For a ":memory:" database the reader is the writer handle
// itself, so reads wait for any open write transaction to finish.
func (c *Conn) Reader() *sql.DB { return c.reader }

// Exec runs a DDL/migration statement directly on the writer, outside any
// transaction. Intended for one-time schema setup at Open time.
func (c *Conn) Exec(query string, args ...any) error {
	_, err := c.writer.Exec(query, args...)
	return err
}

// Close closes both the writer and reader connections.
func (c *Conn) Close() error {
	err := c.writer.Close()
	if c.reader != c.writer {
		if rerr := c.reader.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// WithTransaction runs fn inside a single BEGIN IMMEDIATE / COMMIT
// transaction, serialising concurrent callers within the process so at
// most one fn runs at a time. fn receives the raw *sql.Conn
// the transaction lives on rather than a *sql.Tx: sql.DB.BeginTx only ever
// opens DEFERRED transactions, so BEGIN IMMEDIATE has to be issued as a
// plain statement on a dedicated driver connection instead, retried with
// jittered backoff on SQLITE_BUSY up to cfg.BusyRetryMax attempts before
// the busy error is surfaced. emitter.Begin fires once BEGIN IMMEDIATE
// succeeds; End fires after a successful COMMIT, Rollback after an
// unsuccessful fn (or commit failure); Finally always fires last.
func (c *Conn) WithTransaction(ctx context.Context, fn func(tx *sql.Conn) error) (err error) {
	select {
	case <-c.writeSlot:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.writeSlot <- struct{}{} }()

	raw, err := c.writer.Conn(ctx)
	if err != nil {
		return fmt.Errorf("conn: acquire writer conn: %w", err)
	}
	defer raw.Close()

	if err = c.beginImmediateWithRetry(ctx, raw); err != nil {
		return err
	}

	c.emit.EmitBegin()

	defer func() {
		stmt := "COMMIT"
		if err != nil {
			stmt = "ROLLBACK"
		}
		if _, execErr := raw.ExecContext(context.Background(), stmt); execErr != nil && err == nil {
			err = fmt.Errorf("conn: %s: %w", stmt, execErr)
		}
		if err != nil {
			c.emit.EmitRollback()
		} else {
			c.emit.EmitEnd()
		}
		c.emit.EmitFinally()
	}()

	err = fn(raw)
	return err
}

// RetryExhaustedError reports that beginImmediateWithRetry gave up on
// SQLITE_BUSY without ever acquiring the write transaction. Unlike other
// errors WithTransaction can return, this one represents an outcome the
// caller should treat as a finished (failed) attempt rather than an
// infrastructure fault to retry unbounded — the retry budget itself
// already is the retry.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("conn: begin immediate: retry budget (%d) exhausted: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// beginImmediateWithRetry issues BEGIN IMMEDIATE on raw, retrying on
// SQLITE_BUSY with jittered exponential backoff.
func (c *Conn) beginImmediateWithRetry(ctx context.Context, raw *sql.Conn) error {
	cfg := c.cfg.Get()
	maxAttempts := cfg.BusyRetryMax
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	base, jitter := cfg.BusyBackoff()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, execErr := raw.ExecContext(ctx, "BEGIN IMMEDIATE")
		if execErr == nil {
			return nil
		}
		lastErr = execErr
		if !isBusyErr(execErr) {
			return fmt.Errorf("conn: begin immediate: %w", execErr)
		}

		delay := base*time.Duration(1<<uint(attempt)) + jitteredDelay(jitter)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return &RetryExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func jitteredDelay(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(jitter)))
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
