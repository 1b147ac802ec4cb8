package model

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegistryEnsureSchemaAndRoundTrip(t *testing.T) {
	db := openDB(t)
	reg := NewRegistry(&Model{Name: "foo"}, &Model{Name: "bar"})

	if err := reg.EnsureSchema(func(q string, args ...any) error {
		_, err := db.Exec(q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if _, ok := reg.Get("foo"); !ok {
		t.Error("Get(foo) not found after EnsureSchema")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) unexpectedly found")
	}
}

// execDB adapts *sql.DB to the Execer interface used by RWStoreFor in
// real dispatch code (there *sql.Tx/*sql.Conn are used instead).
type execDB struct{ *sql.DB }

func TestSetGetSearch(t *testing.T) {
	db := openDB(t)
	reg := NewRegistry(&Model{Name: "foo"})
	if err := reg.EnsureSchema(func(q string, args ...any) error {
		_, err := db.Exec(q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	ctx := context.Background()
	rw, err := reg.RWStoreFor("foo", execDB{db})
	if err != nil {
		t.Fatalf("RWStoreFor: %v", err)
	}

	if err := rw.Ins(ctx, Doc{"id": "a", "name": "alpha"}); err != nil {
		t.Fatalf("Ins: %v", err)
	}
	if err := rw.Ins(ctx, Doc{"id": "a", "name": "dup"}); err == nil {
		t.Error("Ins: expected error on duplicate id")
	}
	if err := rw.Set(ctx, Doc{"id": "b", "name": "beta"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := rw.Upd(ctx, "a", Doc{"name": "alpha2"}); err != nil {
		t.Fatalf("Upd: %v", err)
	}

	doc, ok, err := rw.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || doc["name"] != "alpha2" {
		t.Errorf("Get(a) = %v, %v, want name=alpha2", doc, ok)
	}

	all, err := rw.Search(ctx, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Search returned %d docs, want 2", len(all))
	}

	if err := rw.Rm(ctx, "b"); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if _, ok, err := rw.Get(ctx, "b"); err != nil || ok {
		t.Errorf("Get(b) after Rm = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestStoreReadOnlyFromSeparateHandle(t *testing.T) {
	db := openDB(t)
	reg := NewRegistry(&Model{Name: "foo"})
	if err := reg.EnsureSchema(func(q string, args ...any) error {
		_, err := db.Exec(q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	ctx := context.Background()
	rw, _ := reg.RWStoreFor("foo", execDB{db})
	if err := rw.Ins(ctx, Doc{"id": "a", "name": "alpha"}); err != nil {
		t.Fatalf("Ins: %v", err)
	}

	store, err := reg.StoreFor("foo", db)
	if err != nil {
		t.Fatalf("StoreFor: %v", err)
	}
	doc, ok, err := store.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if doc["name"] != "alpha" {
		t.Errorf("name = %v, want alpha", doc["name"])
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate model name")
		}
	}()
	NewRegistry(&Model{Name: "foo"}, &Model{Name: "foo"})
}

func TestReductionIsZero(t *testing.T) {
	var r *Reduction
	if !r.IsZero() {
		t.Error("nil Reduction should be zero")
	}
	r = &Reduction{}
	if !r.IsZero() {
		t.Error("empty Reduction should be zero")
	}
	r = &Reduction{Set: []Doc{{"id": "x"}}}
	if r.IsZero() {
		t.Error("Reduction with Set should not be zero")
	}
}
