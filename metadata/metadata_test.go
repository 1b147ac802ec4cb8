package metadata

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stratokit/stratodb/model"
)

func TestAdvanceTracksVersionAndCounters(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	reg := model.NewRegistry(New())
	if err := reg.EnsureSchema(func(q string, args ...any) error {
		_, err := db.Exec(q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	ctx := context.Background()
	rw, err := reg.RWStoreFor(ModelName, execDB{db})
	if err != nil {
		t.Fatalf("RWStoreFor: %v", err)
	}

	st, err := Get(ctx, rw.Store)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st != (State{}) {
		t.Errorf("initial state = %+v, want zero value", st)
	}

	if err := Advance(ctx, rw, 1, false); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := Advance(ctx, rw, 2, true); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := Advance(ctx, rw, 3, false); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	st, err = Get(ctx, rw.Store)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := State{V: 3, HandledCount: 2, FailedCount: 1}
	if st != want {
		t.Errorf("state = %+v, want %+v", st, want)
	}
}

type execDB struct{ *sql.DB }
