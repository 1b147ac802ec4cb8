package stratodb

import (
	"context"
	"testing"

	"github.com/stratokit/stratodb/model"
)

func TestOpenDispatchAndStore(t *testing.T) {
	notes := &model.Model{
		Name: "notes",
		Reducer: func(c *model.Ctx) (*model.Reduction, error) {
			if c.Event.Type != "note.create" {
				return nil, nil
			}
			data, _ := c.Event.Data.(model.Doc)
			return &model.Reduction{Ins: []model.Doc{data}}, nil
		},
	}

	db, err := Open(":memory:", "", notes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	fut, err := db.Dispatch(ctx, "note.create", model.Doc{"id": "n1", "text": "hello"}, 0)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := fut.Await(ctx); err != nil {
		t.Fatalf("Await: %v", err)
	}

	store, err := db.Store("notes")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	doc, ok, err := store.Get(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("Get(n1): ok=%v err=%v", ok, err)
	}
	if doc["text"] != "hello" {
		t.Errorf("doc[text] = %v, want hello", doc["text"])
	}
}

func TestSystemWriterSynthesisesReplayableEvent(t *testing.T) {
	notes := &model.Model{Name: "notes"}

	db, err := Open(":memory:", "", notes)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	rw, err := db.RWStore("notes")
	if err != nil {
		t.Fatalf("RWStore: %v", err)
	}
	if err := rw.Ins(ctx, model.Doc{"id": "n1", "text": "out of band"}); err != nil {
		t.Fatalf("Ins: %v", err)
	}

	store, err := db.Store("notes")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	doc, ok, err := store.Get(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("Get(n1): ok=%v err=%v", ok, err)
	}
	if doc["text"] != "out of band" {
		t.Errorf("doc[text] = %v, want \"out of band\"", doc["text"])
	}

	maxV, err := db.Queue.GetMaxV(ctx, db.Conn.Reader())
	if err != nil {
		t.Fatalf("GetMaxV: %v", err)
	}
	ev, err := db.Queue.Get(ctx, db.Conn.Reader(), maxV)
	if err != nil {
		t.Fatalf("Get(maxV): %v", err)
	}
	if ev.Type != "_system.write.notes" {
		t.Errorf("persisted event type = %q, want _system.write.notes", ev.Type)
	}
	if !ev.Handled() {
		t.Errorf("persisted event not handled: %+v", ev)
	}

	if err := rw.Upd(ctx, "n1", model.Doc{"text": "updated"}); err != nil {
		t.Fatalf("Upd: %v", err)
	}
	doc, _, _ = store.Get(ctx, "n1")
	if doc["text"] != "updated" {
		t.Errorf("doc[text] after Upd = %v, want updated", doc["text"])
	}

	if err := rw.Rm(ctx, "n1"); err != nil {
		t.Fatalf("Rm: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "n1"); ok {
		t.Error("n1 still present after Rm")
	}
}
