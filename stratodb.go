// Package stratodb glues the SQL Connection, Event Queue, Model
// Registry, Dispatch Engine and Event Emitter together behind a single
// handle, and re-exports the engine API surface a host application
// drives: dispatch, handledVersion, store.<model>, rwStore.<model>.
package stratodb

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/stratokit/stratodb/config"
	"github.com/stratokit/stratodb/conn"
	"github.com/stratokit/stratodb/dispatch"
	"github.com/stratokit/stratodb/emitter"
	"github.com/stratokit/stratodb/metadata"
	"github.com/stratokit/stratodb/model"
	"github.com/stratokit/stratodb/queue"
)

// DB is an opened stratodb instance: one SQL connection, one event
// queue, one model registry, one dispatch engine, and one emitter,
// wired together behind a single handle.
type DB struct {
	Conn   *conn.Conn
	Queue  *queue.Queue
	Models *model.Registry
	Engine *dispatch.Engine
	Emit   *emitter.Emitter

	cfg *config.Global
}

// Open opens (or creates) the database file at dbPath, loads tuning
// config from confDir (pass "" to skip persistence, e.g. in tests), and
// registers models. Every registered model's Reducer is wrapped so
// out-of-pipeline RWStore writes (see (*DB).RWStore) can synthesise and
// replay as ordinary events.
func Open(dbPath, confDir string, models ...*model.Model) (*DB, error) {
	cfg, err := config.Load(confDir)
	if err != nil {
		return nil, fmt.Errorf("stratodb: config: %w", err)
	}

	emit := emitter.New()
	c, err := conn.Open(dbPath, cfg, emit)
	if err != nil {
		return nil, fmt.Errorf("stratodb: %w", err)
	}

	q := queue.New(c)
	if err := q.EnsureSchema(); err != nil {
		c.Close()
		return nil, fmt.Errorf("stratodb: %w", err)
	}

	reg := model.NewRegistry(models...)
	// The reserved metadata model must be registered before EnsureSchema
	// runs, or its table never gets created and every dispatch fails
	// trying to advance it. dispatch.New registers it too, but only
	// after schema creation has already happened.
	if _, ok := reg.Get(metadata.ModelName); !ok {
		reg.Register(metadata.New())
	}
	for _, m := range reg.Models() {
		wrapSystemWrites(m)
	}
	if err := reg.EnsureSchema(c.Exec); err != nil {
		c.Close()
		return nil, fmt.Errorf("stratodb: %w", err)
	}

	eng := dispatch.New(c, q, reg, emit, cfg)

	return &DB{Conn: c, Queue: q, Models: reg, Engine: eng, Emit: emit, cfg: cfg}, nil
}

// Close stops the dispatch engine's drain loop and closes the
// underlying connections.
func (db *DB) Close() error {
	db.Engine.Close()
	return db.Conn.Close()
}

// Dispatch enqueues a new root event.
func (db *DB) Dispatch(ctx context.Context, typ string, data any, ts int64) (*dispatch.Future, error) {
	return db.Engine.Dispatch(ctx, typ, data, ts)
}

// HandledVersion awaits version v being handled or failed.
func (db *DB) HandledVersion(ctx context.Context, v int64) (*dispatch.Future, error) {
	return db.Engine.HandledVersion(ctx, v)
}

// Store returns the read-only view of model name, bound to the reader
// connection pool.
func (db *DB) Store(name string) (*model.Store, error) {
	return db.Models.StoreFor(name, db.Conn.Reader())
}

// RWStore returns an out-of-pipeline writable view of model name. Unlike
// the RWStore a handler receives through ctx (which writes directly
// inside the ongoing dispatch transaction), this view has no transaction
// of its own: every write synthesises a "_system.write.<name>" event,
// dispatches it through the ordinary engine, and waits for it to be
// committed — so the write is versioned, replayable and emitted exactly
// like any handler-driven one.
func (db *DB) RWStore(name string) (*SystemWriter, error) {
	if _, ok := db.Models.Get(name); !ok {
		return nil, fmt.Errorf("stratodb: no such model %q", name)
	}
	return &SystemWriter{db: db, model: name}, nil
}

// SystemWriter is the out-of-pipeline writable view (*DB).RWStore
// returns.
type SystemWriter struct {
	db    *DB
	model string
}

// Set synthesises a "_system.write.<model>" event that upserts doc
// wholesale, and waits for it to commit.
func (w *SystemWriter) Set(ctx context.Context, doc model.Doc) error {
	return w.dispatch(ctx, map[string]any{"op": "set", "doc": doc})
}

// Ins synthesises a "_system.write.<model>" event that inserts doc,
// failing if its id already exists.
func (w *SystemWriter) Ins(ctx context.Context, doc model.Doc) error {
	return w.dispatch(ctx, map[string]any{"op": "ins", "doc": doc})
}

// Upd synthesises a "_system.write.<model>" event that merges patch
// into the document at id.
func (w *SystemWriter) Upd(ctx context.Context, id string, patch model.Doc) error {
	return w.dispatch(ctx, map[string]any{"op": "upd", "id": id, "patch": patch})
}

// Rm synthesises a "_system.write.<model>" event that deletes id.
func (w *SystemWriter) Rm(ctx context.Context, id string) error {
	return w.dispatch(ctx, map[string]any{"op": "rm", "id": id})
}

func (w *SystemWriter) dispatch(ctx context.Context, data map[string]any) error {
	data["correlation"] = uuid.NewString()
	fut, err := w.db.Engine.Dispatch(ctx, "_system.write."+w.model, data, 0)
	if err != nil {
		return err
	}
	_, err = fut.Await(ctx)
	return err
}

// wrapSystemWrites composes m's Reducer so it also produces a
// Reduction for the "_system.write.<m.Name>" event synthesised by
// SystemWriter, without disturbing any Reducer the caller already
// registered for m's own event types.
func wrapSystemWrites(m *model.Model) {
	systemType := "_system.write." + m.Name
	inner := m.Reducer
	m.Reducer = func(c *model.Ctx) (*model.Reduction, error) {
		if c.Event.Type == systemType {
			return reductionFromSystemWrite(c.Event.Data)
		}
		if inner != nil {
			return inner(c)
		}
		return nil, nil
	}
}

func reductionFromSystemWrite(data any) (*model.Reduction, error) {
	fields, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stratodb: malformed system write event data %T", data)
	}
	switch fields["op"] {
	case "set":
		doc, _ := fields["doc"].(model.Doc)
		return &model.Reduction{Set: []model.Doc{doc}}, nil
	case "ins":
		doc, _ := fields["doc"].(model.Doc)
		return &model.Reduction{Ins: []model.Doc{doc}}, nil
	case "upd":
		id, _ := fields["id"].(string)
		patch, _ := fields["patch"].(model.Doc)
		return &model.Reduction{Upd: []model.Update{{Id: id, Patch: patch}}}, nil
	case "rm":
		id, _ := fields["id"].(string)
		return &model.Reduction{Rm: []string{id}}, nil
	default:
		return nil, fmt.Errorf("stratodb: unknown system write op %q", fields["op"])
	}
}
