// Package model implements the Model Registry: a name → Model mapping
// where each Model declares optional preprocess/reduce/derive handlers
// plus a document table, and exposes a read-only Store view and a
// transaction-scoped RWStore view over it.
//
// Storage is one SQLite-class table per model, `model_<name>`, holding a
// primary `id` column and a single JSON `doc` column — the document's
// other fields live inside that JSON blob rather than as individually
// typed columns, keeping the table schema-free.
package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratokit/stratodb/emitter"
)

// Doc is a JSON-valued document. Callers are expected to set "id" (a
// string) on any document passed to Set/Ins.
type Doc = map[string]any

// ChildSpec is a child event a handler wants appended to the current
// dispatch node.
type ChildSpec struct {
	Type string
	Data any
}

// Reduction is what a Reducer returns: the writes it describes (never
// performs), plus any child events to append. A nil Reduction, or one
// with every field empty, is a no-op and the model is omitted from the
// event's result map.
type Reduction struct {
	Set    []Doc
	Ins    []Doc
	Upd    []Update
	Rm     []string
	Events []ChildSpec
}

// Update is a partial update: Patch is merged into the existing document
// at Id.
type Update struct {
	Id    string `json:"id"`
	Patch Doc    `json:"patch"`
}

// IsZero reports whether r describes no writes and no child events.
func (r *Reduction) IsZero() bool {
	return r == nil || (len(r.Set) == 0 && len(r.Ins) == 0 && len(r.Upd) == 0 && len(r.Rm) == 0 && len(r.Events) == 0)
}

// Event is the handler-facing view of the node currently being
// processed: V and Type/Data, the only fields a preprocessor is allowed
// to read or mutate. dispatch owns the full tree (result, children,
// error); this is deliberately a narrower type so a forbidden mutation
// (clearing Type, changing V) is a plain field comparison for the engine
// to catch, not a diff against private state.
type Event struct {
	V    int64
	Type string
	Data any
}

// Ctx is the context object passed to every handler.
type Ctx struct {
	Event       *Event
	Model       string
	IsMainEvent bool
	Store       func(model string) *Store
	RWStore     func(model string) *RWStore
	Dispatch    func(typ string, data any)
}

// PreprocessFunc validates/normalises an event ahead of reduction. It may
// mutate the event in place (through ctx.Event, by whatever concrete type
// dispatch populated it with) or return an error, which aborts the event
// under the `_preprocess_<model>` key.
type PreprocessFunc func(ctx *Ctx) error

// ReduceFunc describes the writes an event causes for one model. Reducers
// must not perform writes themselves — they return a Reduction for the
// engine to apply.
type ReduceFunc func(ctx *Ctx) (*Reduction, error)

// DeriveFunc runs after apply, with access to every model's post-apply
// state through ctx.Store and the ability to write directly through
// ctx.RWStore or dispatch further children.
type DeriveFunc func(ctx *Ctx) error

// Model is a named document collection with up to three optional phase
// handlers — a record of optional slots, not a class hierarchy.
type Model struct {
	Name    string
	Columns []string

	Preprocessor PreprocessFunc
	Reducer      ReduceFunc
	Deriver      DeriveFunc
}

func (m *Model) table() string { return "model_" + m.Name }

// Registry is an ordered name → Model mapping. Registration order is
// authoritative for phase execution within a dispatch.
type Registry struct {
	models []*Model
	byName map[string]*Model
	caches map[string]*lru.Cache[string, Doc]

	pendingMu sync.Mutex
	pending   []pendingCacheOp
}

// NewRegistry builds a Registry from models, in the given order.
func NewRegistry(models ...*Model) *Registry {
	r := &Registry{
		byName: make(map[string]*Model, len(models)),
		caches: make(map[string]*lru.Cache[string, Doc], len(models)),
	}
	for _, m := range models {
		r.Register(m)
	}
	return r
}

// Register appends m to the registry. Panics on a duplicate name —
// a programming error caught at startup, not a runtime condition.
func (r *Registry) Register(m *Model) {
	if _, exists := r.byName[m.Name]; exists {
		panic(fmt.Sprintf("model: duplicate model name %q", m.Name))
	}
	c, err := lru.New[string, Doc](cacheSize)
	if err != nil {
		panic(err)
	}
	r.models = append(r.models, m)
	r.byName[m.Name] = m
	r.caches[m.Name] = c
}

// Models returns every registered model, in registration order.
func (r *Registry) Models() []*Model {
	return r.models
}

// Get looks up a model by name.
func (r *Registry) Get(name string) (*Model, bool) {
	m, ok := r.byName[name]
	return m, ok
}

// EnsureSchema creates every registered model's table if it does not
// already exist.
func (r *Registry) EnsureSchema(exec func(query string, args ...any) error) error {
	for _, m := range r.models {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id  TEXT PRIMARY KEY,
				doc TEXT NOT NULL
			)`, m.table())
		if err := exec(ddl); err != nil {
			return fmt.Errorf("model: ensure schema for %s: %w", m.Name, err)
		}
	}
	return nil
}

// pendingCacheOp is a deferred mutation to a model's shared read cache.
// RWStore writes stage one of these instead of touching the cache
// directly, so a reader sharing the cache across the reader pool never
// observes a write from a transaction that hasn't committed yet, and a
// rolled-back transaction leaves the cache untouched.
type pendingCacheOp struct {
	model  string
	id     string
	doc    Doc
	remove bool
}

func (r *Registry) stage(model, id string, doc Doc, remove bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending = append(r.pending, pendingCacheOp{model: model, id: id, doc: doc, remove: remove})
}

// WireCache subscribes r to emit's write-transaction lifecycle: staged
// cache writes are applied once a transaction commits (OnEnd), and
// thrown away if it rolls back (OnRollback) — call once, after both the
// registry and the emitter it shares a transaction with are built.
func (r *Registry) WireCache(emit *emitter.Emitter) {
	emit.OnEnd(r.commitPending)
	emit.OnRollback(r.discardPending)
}

func (r *Registry) commitPending() {
	r.pendingMu.Lock()
	ops := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	for _, op := range ops {
		cache, ok := r.caches[op.model]
		if !ok {
			continue
		}
		if op.remove {
			cache.Remove(op.id)
		} else {
			cache.Add(op.id, op.doc)
		}
	}
}

func (r *Registry) discardPending() {
	r.pendingMu.Lock()
	r.pending = nil
	r.pendingMu.Unlock()
}

// ---- Store / RWStore ----

// Querier is satisfied by *sql.DB, *sql.Tx, and *sql.Conn — whatever
// read-only or transactional handle a Store is bound to.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer additionally supports writes; satisfied by *sql.Tx and
// *sql.Conn, not by a plain read-only *sql.DB handle.
type Execer interface {
	Querier
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// cacheSize bounds the per-model LRU shared by a Store and its sibling
// RWStore. Reads that miss it, and every read through a transaction
// handle, go to SQL on whatever handle the Store is bound to, so a read
// inside the same transaction that wrote the document still sees it
// even before the cache itself is updated.
const cacheSize = 256

// Store is the read-only view of a model.
type Store struct {
	model *Model
	q     Querier
	cache *lru.Cache[string, Doc]
}

// newStore builds a Store bound to q, sharing the model's long-lived
// LRU cache so repeated reads across separate StoreFor calls (e.g. one
// per request against the reader pool) still benefit from it.
func newStore(m *Model, q Querier, cache *lru.Cache[string, Doc]) *Store {
	return &Store{model: m, q: q, cache: cache}
}

// Get fetches the document at id. ok is false if it does not exist. A
// Store bound to a transaction handle (*sql.Conn or *sql.Tx) reads
// straight from SQL and leaves the shared cache alone, so the cache only
// ever holds committed state.
func (s *Store) Get(ctx context.Context, id string) (Doc, bool, error) {
	_, onConn := s.q.(*sql.Conn)
	_, onTx := s.q.(*sql.Tx)
	useCache := !onConn && !onTx
	if useCache {
		if doc, ok := s.cache.Get(id); ok {
			return doc, true, nil
		}
	}
	row := s.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, s.model.table()), id)
	var raw string
	if err := row.Scan(&raw); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("model: %s: get %s: %w", s.model.Name, id, err)
	}
	var doc Doc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("model: %s: unmarshal %s: %w", s.model.Name, id, err)
	}
	if useCache {
		s.cache.Add(id, doc)
	}
	return doc, true, nil
}

// Search returns every document for which filter returns true, ordered by
// id. filter == nil matches every row.
func (s *Store) Search(ctx context.Context, filter func(Doc) bool) ([]Doc, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(`SELECT id, doc FROM %s ORDER BY id`, s.model.table()))
	if err != nil {
		return nil, fmt.Errorf("model: %s: search: %w", s.model.Name, err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("model: %s: search scan: %w", s.model.Name, err)
		}
		var doc Doc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("model: %s: search unmarshal %s: %w", s.model.Name, id, err)
		}
		if filter == nil || filter(doc) {
			out = append(out, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model: %s: search rows: %w", s.model.Name, err)
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i]["id"]) < fmt.Sprint(out[j]["id"])
	})
	return out, nil
}

// SearchOne returns the first document matching filter, if any.
func (s *Store) SearchOne(ctx context.Context, filter func(Doc) bool) (Doc, bool, error) {
	docs, err := s.Search(ctx, filter)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// RWStore is the transaction-scoped writable view of a model. It is
// bound to the SQL handle of the current dispatch transaction and
// performs raw writes with no synthetic event — the engine's Apply
// phase, and derivers writing directly, both already run inside a
// dispatch transaction. Out-of-pipeline callers wanting a synthetic
// event recorded for their writes go through the root package's
// wrapper, not this type directly.
type RWStore struct {
	*Store
	ex  Execer
	reg *Registry
}

// newRWStore builds an RWStore bound to ex, sharing store's cache.
func newRWStore(ex Execer, store *Store, reg *Registry) *RWStore {
	return &RWStore{Store: store, ex: ex, reg: reg}
}

// Set upserts doc wholesale. doc must carry a non-empty string "id".
// The cache entry is evicted immediately (so a read later in this same
// transaction never sees a stale value) and restaged to be repopulated
// with doc once the enclosing transaction actually commits.
func (rw *RWStore) Set(ctx context.Context, doc Doc) error {
	id, err := docID(doc)
	if err != nil {
		return fmt.Errorf("model: %s: set: %w", rw.model.Name, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("model: %s: set: marshal %s: %w", rw.model.Name, id, err)
	}
	_, err = rw.ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc
	`, rw.model.table()), id, raw)
	if err != nil {
		return fmt.Errorf("model: %s: set %s: %w", rw.model.Name, id, err)
	}
	rw.cache.Remove(id)
	rw.reg.stage(rw.model.Name, id, doc, false)
	return nil
}

// Ins inserts doc, failing if its id already exists.
func (rw *RWStore) Ins(ctx context.Context, doc Doc) error {
	id, err := docID(doc)
	if err != nil {
		return fmt.Errorf("model: %s: ins: %w", rw.model.Name, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("model: %s: ins: marshal %s: %w", rw.model.Name, id, err)
	}
	_, err = rw.ex.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)`, rw.model.table()), id, raw)
	if err != nil {
		return fmt.Errorf("model: %s: ins %s: %w", rw.model.Name, id, err)
	}
	rw.cache.Remove(id)
	rw.reg.stage(rw.model.Name, id, doc, false)
	return nil
}

// Upd merges patch into the existing document at id. Fails if id does
// not exist.
func (rw *RWStore) Upd(ctx context.Context, id string, patch Doc) error {
	existing, ok, err := rw.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("model: %s: upd %s: %w", rw.model.Name, id, err)
	}
	if !ok {
		return fmt.Errorf("model: %s: upd %s: no such document", rw.model.Name, id)
	}
	merged := make(Doc, len(existing)+len(patch))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	merged["id"] = id
	return rw.Set(ctx, merged)
}

// Rm deletes the document at id. Not an error if it does not exist.
func (rw *RWStore) Rm(ctx context.Context, id string) error {
	_, err := rw.ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, rw.model.table()), id)
	if err != nil {
		return fmt.Errorf("model: %s: rm %s: %w", rw.model.Name, id, err)
	}
	rw.cache.Remove(id)
	rw.reg.stage(rw.model.Name, id, nil, true)
	return nil
}

func docID(doc Doc) (string, error) {
	v, ok := doc["id"]
	if !ok {
		return "", fmt.Errorf("document has no \"id\" field")
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("document \"id\" field must be a non-empty string")
	}
	return id, nil
}

// StoreFor builds a read-only Store for model m bound to q. Dispatch
// calls this once per phase invocation, passing the handle the current
// transaction (or, outside a dispatch, the reader pool) is on.
func (r *Registry) StoreFor(name string, q Querier) (*Store, error) {
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("model: no such model %q", name)
	}
	return newStore(m, q, r.caches[name]), nil
}

// RWStoreFor builds a writable RWStore for model m bound to ex.
func (r *Registry) RWStoreFor(name string, ex Execer) (*RWStore, error) {
	m, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("model: no such model %q", name)
	}
	return newRWStore(ex, newStore(m, ex, r.caches[name]), r), nil
}
