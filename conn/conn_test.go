package conn

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratokit/stratodb/config"
	"github.com/stratokit/stratodb/emitter"
)

func open(t *testing.T) *Conn {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	path := filepath.Join(t.TempDir(), "test.db")
	c, err := Open(path, cfg, emitter.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWithTransactionCommits(t *testing.T) {
	c := open(t)
	if err := c.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	err := c.WithTransaction(context.Background(), func(tx *sql.Conn) error {
		_, err := tx.ExecContext(context.Background(), `INSERT INTO t (id, v) VALUES (1, 'hello')`)
		return err
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	var v string
	if err := c.Reader().QueryRow(`SELECT v FROM t WHERE id = 1`).Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "hello" {
		t.Errorf("v = %q, want hello", v)
	}
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	c := open(t)
	if err := c.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	sentinel := errSentinel{}
	err := c.WithTransaction(context.Background(), func(tx *sql.Conn) error {
		if _, err := tx.ExecContext(context.Background(), `INSERT INTO t (id, v) VALUES (1, 'hello')`); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithTransaction err = %v, want sentinel", err)
	}

	var count int
	if err := c.Reader().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 after rollback", count)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "sentinel" }

func TestWithTransactionSerialisesCallers(t *testing.T) {
	c := open(t)
	if err := c.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := c.Exec(`INSERT INTO t (id, v) VALUES (1, 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var concurrent int32
	var maxConcurrent int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.WithTransaction(context.Background(), func(tx *sql.Conn) error {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				_, err := tx.ExecContext(context.Background(), `UPDATE t SET v = v + 1 WHERE id = 1`)
				return err
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Errorf("max concurrent transactions = %d, want 1", maxConcurrent)
	}

	var v int
	if err := c.Reader().QueryRow(`SELECT v FROM t WHERE id = 1`).Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != 20 {
		t.Errorf("v = %d, want 20", v)
	}
}

func TestWithTransactionRespectsContextCancel(t *testing.T) {
	c := open(t)

	// Hold the write slot so the next WithTransaction call has to wait on it.
	<-c.writeSlot
	defer func() { c.writeSlot <- struct{}{} }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WithTransaction(ctx, func(tx *sql.Conn) error { return nil })
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
