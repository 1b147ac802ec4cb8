// Package dispatch implements the Dispatch Engine: it accepts event
// requests, runs each through a deterministic preprocess → reduce →
// apply → derive pipeline across every registered model, expands
// sub-events depth-first, commits the whole root event atomically, and
// notifies the Event Emitter and any callers awaiting handledVersion.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stratokit/stratodb/config"
	"github.com/stratokit/stratodb/conn"
	"github.com/stratokit/stratodb/emitter"
	"github.com/stratokit/stratodb/metadata"
	"github.com/stratokit/stratodb/model"
	"github.com/stratokit/stratodb/queue"
)

// Future resolves to a handled event, or rejects with the event's
// populated error, once the version it was constructed for is processed.
type Future struct {
	V  int64
	ch chan futureResult
}

type futureResult struct {
	ev  *queue.Event
	err error
}

// Await blocks until the future resolves or ctx is done. A cancelled or
// expired ctx does not stop processing — it only stops this particular
// caller from waiting on it.
func (f *Future) Await(ctx context.Context) (*queue.Event, error) {
	select {
	case r := <-f.ch:
		return r.ev, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Engine drives the drain loop and owns the write transaction during a
// dispatch.
type Engine struct {
	conn *conn.Conn
	q    *queue.Queue
	reg  *model.Registry
	emit *emitter.Emitter
	cfg  *config.Global

	pending sync.Map // int64 -> chan futureResult
	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	quiet   bool
}

// New builds an Engine over the given collaborators, registers the
// reserved metadata model if the registry doesn't already carry one,
// wires the registry's model caches to the emitter's commit/rollback
// signals, and starts the drain loop. Call Close to stop it.
func New(c *conn.Conn, q *queue.Queue, reg *model.Registry, emit *emitter.Emitter, cfg *config.Global) *Engine {
	if _, ok := reg.Get(metadata.ModelName); !ok {
		reg.Register(metadata.New())
	}
	reg.WireCache(emit)
	e := &Engine{
		conn:  c,
		q:     q,
		reg:   reg,
		emit:  emit,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		quiet: cfg.Get().Quiet,
	}
	e.wg.Add(1)
	go e.drainLoop()
	return e
}

// Close stops the drain loop and waits for it to exit. In-flight
// processing of the current event finishes first.
func (e *Engine) Close() {
	close(e.stop)
	e.wg.Wait()
}

// Dispatch enqueues a new root event and returns a Future for it (spec
// §4.3 step 1, §6 "dispatch(type, data?, ts?) → Future<Event>"). The
// enqueue runs in its own micro-transaction, so concurrent Dispatch
// calls are assigned sequential v values in call order.
func (e *Engine) Dispatch(ctx context.Context, typ string, data any, ts int64) (*Future, error) {
	var ev *queue.Event
	err := e.conn.WithTransaction(ctx, func(tx *sql.Conn) error {
		var addErr error
		ev, addErr = e.q.Add(ctx, tx, typ, data, ts)
		return addErr
	})
	if err != nil {
		return nil, err
	}
	// HandledVersion also checks the row, so the result is not lost if the
	// drain loop processes v before the future is registered.
	fut, err := e.HandledVersion(ctx, ev.V)
	if err != nil {
		return nil, err
	}
	e.wakeUp()
	return fut, nil
}

// HandledVersion returns a Future for version v, whether or not this
// process's own Dispatch call produced it — covering both a caller that
// missed the original Dispatch future and a replay row seeded directly
// via Set.
func (e *Engine) HandledVersion(ctx context.Context, v int64) (*Future, error) {
	ch := make(chan futureResult, 1)
	actual, loaded := e.pending.LoadOrStore(v, ch)
	ch = actual.(chan futureResult)

	ev, err := e.q.Get(ctx, e.conn.Reader(), v)
	if err != nil {
		return nil, err
	}
	if ev != nil && (ev.Handled() || ev.Failed()) {
		select {
		case ch <- toFutureResult(ev):
		default:
		}
	} else if !loaded {
		e.wakeUp()
	}
	return &Future{V: v, ch: ch}, nil
}

func (e *Engine) registerPending(v int64) *Future {
	ch := make(chan futureResult, 1)
	e.pending.Store(v, ch)
	return &Future{V: v, ch: ch}
}

func (e *Engine) wakeUp() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func toFutureResult(ev *queue.Event) futureResult {
	if ev.Failed() {
		return futureResult{ev: ev, err: &HandledError{Event: ev}}
	}
	return futureResult{ev: ev}
}

// HandledError is what a Future rejects with when its event failed.
type HandledError struct {
	Event *queue.Event
}

func (e *HandledError) Error() string {
	return fmt.Sprintf("stratodb: event v=%d type=%q failed: %v", e.Event.V, e.Event.Type, e.Event.Error)
}

// drainLoop repeatedly processes the next unhandled event, waking on
// Dispatch activity or, as a fallback, a poll tick (so a row seeded
// directly via queue.Set without going through Dispatch still gets
// picked up).
func (e *Engine) drainLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Get().DrainPoll())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-e.wake:
		case <-ticker.C:
		}

		for e.processNext() {
		}
	}
}

// processNext processes one unhandled event if there is one, and reports
// whether it found work to do.
func (e *Engine) processNext() bool {
	ctx := context.Background()
	ev, err := e.q.GetNext(ctx, e.conn.Reader(), 0)
	if err != nil {
		e.logf("get next: %v", err)
		return false
	}
	if ev == nil {
		return false
	}

	start := time.Now()
	final, err := e.processRoot(ctx, ev)
	if err != nil {
		e.logf("process v=%d: %v", ev.V, err)
		return false
	}

	elapsed := time.Since(start)
	maxV, _ := e.q.GetMaxV(ctx, e.conn.Reader())
	e.logf("processed v=%d type=%q in %s (%s events total)", final.V, final.Type, elapsed, humanize.Comma(maxV))

	if chAny, ok := e.pending.LoadAndDelete(final.V); ok {
		ch := chAny.(chan futureResult)
		select {
		case ch <- toFutureResult(final):
		default:
		}
	}
	return true
}

func (e *Engine) logf(format string, args ...any) {
	if e.quiet {
		return
	}
	log.Printf("dispatch: "+format, args...)
}

// node is the engine's mutable working representation of one event in
// the dispatch tree. Unlike queue.Event, children are pointers so
// phases can append to a node in place while recursion is still in
// progress.
type node struct {
	v        int64
	typ      string
	data     any
	result   map[string]any
	children []*node
}

func (n *node) toEvent() queue.Event {
	ev := queue.Event{V: n.v, Type: n.typ, Data: n.data, Result: n.result}
	for _, c := range n.children {
		ev.Events = append(ev.Events, c.toEvent())
	}
	return ev
}

// pipelineFailure is the sentinel returned from inside a WithTransaction
// closure to signal a handled (not infra-level) dispatch failure — it
// carries the structured error map, already keyed and path-qualified at
// the point it was produced.
type pipelineFailure struct {
	errorMap map[string]any
}

func (pf *pipelineFailure) Error() string {
	return fmt.Sprintf("dispatch: pipeline failed: %v", pf.errorMap)
}

// failureErrorMap extracts the structured error map for a handled
// dispatch failure, if txErr represents one: either an explicit
// pipelineFailure raised somewhere in the pipeline, or the write
// transaction never being acquired because its busy-retry budget ran
// out. Both are engine-level "_handle" failures — unlike a plain
// infrastructure error (a dropped connection, a cancelled context),
// they represent an attempt that is done, not one to silently retry
// forever.
func failureErrorMap(txErr error) (map[string]any, bool) {
	var pf *pipelineFailure
	if errors.As(txErr, &pf) {
		return pf.errorMap, true
	}
	var retryErr *conn.RetryExhaustedError
	if errors.As(txErr, &retryErr) {
		return map[string]any{"_handle": fmt.Sprintf("retry exhausted: %v", retryErr)}, true
	}
	return nil, false
}

// processRoot runs the full pipeline for one root event inside a single
// write transaction. On success, the event row and the metadata advance
// are written back as part of that same transaction. On a handled
// failure, the transaction rolls back and the failure is persisted in a
// separate micro-transaction so it survives the rollback. An error
// returned here (rather than embedded in the final event's Error map)
// means the whole attempt could not even be recorded — the event stays
// queued and will be retried on a later drain tick.
func (e *Engine) processRoot(ctx context.Context, root *queue.Event) (*queue.Event, error) {
	tree := &node{v: root.V, typ: root.Type, data: root.Data}

	txErr := e.conn.WithTransaction(ctx, func(tx *sql.Conn) error {
		if err := e.runNode(ctx, tx, tree, 0, nil); err != nil {
			return err
		}
		final := tree.toEvent()
		if err := e.q.Set(ctx, tx, &final); err != nil {
			return err
		}
		rw, err := e.reg.RWStoreFor(metadata.ModelName, tx)
		if err != nil {
			return err
		}
		return metadata.Advance(ctx, rw, root.V, false)
	})

	if txErr == nil {
		final := tree.toEvent()
		e.emit.EmitResult(emitter.Event{V: final.V, Type: final.Type, Data: final.Data, Result: final.Result})
		return &final, nil
	}

	errorMap, ok := failureErrorMap(txErr)
	if !ok {
		return nil, txErr
	}

	final := queue.Event{V: root.V, Type: root.Type, Data: root.Data, Error: errorMap}
	writeErr := e.conn.WithTransaction(ctx, func(tx *sql.Conn) error {
		if err := e.q.Set(ctx, tx, &final); err != nil {
			return err
		}
		rw, err := e.reg.RWStoreFor(metadata.ModelName, tx)
		if err != nil {
			return err
		}
		return metadata.Advance(ctx, rw, root.V, true)
	})
	if writeErr != nil {
		return nil, writeErr
	}
	e.emit.EmitError(emitter.Event{V: final.V, Type: final.Type, Data: final.Data, Error: final.Error})
	return &final, nil
}

// runNode runs the four phases for n, then recurses depth-first into any
// children dispatched along the way.
func (e *Engine) runNode(ctx context.Context, tx *sql.Conn, n *node, depth int, path []string) error {
	path = append(path, n.typ)

	maxDepth := e.cfg.Get().MaxDispatchDepth
	if maxDepth <= 0 {
		maxDepth = 100
	}
	if depth > maxDepth {
		return &pipelineFailure{errorMap: map[string]any{
			"_handle": "." + strings.Join(path, ".") + ":deep",
		}}
	}

	isMain := depth == 0

	if err := e.runPreprocess(ctx, tx, n, isMain, depth, path); err != nil {
		return err
	}

	result, reductions, err := e.runReduce(ctx, tx, n, isMain, depth, path)
	if err != nil {
		return err
	}
	n.result = result

	if err := e.runApply(ctx, tx, reductions, depth, path); err != nil {
		return err
	}

	if err := e.runDerive(ctx, tx, n, isMain, depth, path); err != nil {
		return err
	}

	for _, child := range n.children {
		if err := e.runNode(ctx, tx, child, depth+1, path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runPreprocess(ctx context.Context, tx *sql.Conn, n *node, isMain bool, depth int, path []string) error {
	for _, m := range e.reg.Models() {
		if m.Preprocessor == nil {
			continue
		}
		ev := &model.Event{V: n.v, Type: n.typ, Data: n.data}
		origV := ev.V
		c := e.newCtx(tx, n, m.Name, isMain, ev)
		if err := m.Preprocessor(c); err != nil {
			return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_preprocess_"+m.Name): err.Error()}}
		}
		if ev.Type == "" {
			return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_preprocess_"+m.Name): "preprocessor deleted event type"}}
		}
		if ev.V != origV {
			return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_preprocess_"+m.Name): "preprocessor changed event version"}}
		}
		n.typ = ev.Type
		n.data = ev.Data
	}
	return nil
}

// runReduce calls every model's Reducer in registry order and returns
// both the serializable result map (the reduction minus its
// already-consumed events key) and the live Reduction structs apply
// needs to actually perform the writes, keyed the same way.
func (e *Engine) runReduce(ctx context.Context, tx *sql.Conn, n *node, isMain bool, depth int, path []string) (map[string]any, map[string]*model.Reduction, error) {
	reductions := map[string]*model.Reduction{}
	order := make([]string, 0, len(e.reg.Models()))
	for _, m := range e.reg.Models() {
		if m.Reducer == nil {
			continue
		}
		ev := &model.Event{V: n.v, Type: n.typ, Data: n.data}
		c := e.newCtx(tx, n, m.Name, isMain, ev)
		red, err := m.Reducer(c)
		if err != nil {
			return nil, nil, &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_reduce_"+m.Name): err.Error()}}
		}
		if red.IsZero() {
			continue
		}
		reductions[m.Name] = red
		order = append(order, m.Name)
		for _, child := range red.Events {
			n.children = append(n.children, &node{v: n.v, typ: child.Type, data: child.Data})
		}
	}

	result := make(map[string]any, len(order))
	for _, name := range order {
		result[name] = reductionDoc(reductions[name])
	}
	return result, reductions, nil
}

func reductionDoc(r *model.Reduction) map[string]any {
	out := map[string]any{}
	if len(r.Set) > 0 {
		out["set"] = r.Set
	}
	if len(r.Ins) > 0 {
		out["ins"] = r.Ins
	}
	if len(r.Upd) > 0 {
		out["upd"] = r.Upd
	}
	if len(r.Rm) > 0 {
		out["rm"] = r.Rm
	}
	return out
}

// runApply commits every model's reduction to its writable view, in
// registry order; within a model, rm then ins then set then upd (spec
// §4.3 step 3).
func (e *Engine) runApply(ctx context.Context, tx *sql.Conn, reductions map[string]*model.Reduction, depth int, path []string) error {
	for _, m := range e.reg.Models() {
		red, ok := reductions[m.Name]
		if !ok {
			continue
		}
		rw, err := e.reg.RWStoreFor(m.Name, tx)
		if err != nil {
			return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_apply_"+m.Name): err.Error()}}
		}
		for _, id := range red.Rm {
			if err := rw.Rm(ctx, id); err != nil {
				return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_apply_"+m.Name): err.Error()}}
			}
		}
		for _, doc := range red.Ins {
			if err := rw.Ins(ctx, doc); err != nil {
				return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_apply_"+m.Name): err.Error()}}
			}
		}
		for _, doc := range red.Set {
			if err := rw.Set(ctx, doc); err != nil {
				return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_apply_"+m.Name): err.Error()}}
			}
		}
		for _, u := range red.Upd {
			if err := rw.Upd(ctx, u.Id, u.Patch); err != nil {
				return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_apply_"+m.Name): err.Error()}}
			}
		}
	}
	return nil
}

func (e *Engine) runDerive(ctx context.Context, tx *sql.Conn, n *node, isMain bool, depth int, path []string) error {
	for _, m := range e.reg.Models() {
		if m.Deriver == nil {
			continue
		}
		ev := &model.Event{V: n.v, Type: n.typ, Data: n.data}
		c := e.newCtx(tx, n, m.Name, isMain, ev)
		if err := m.Deriver(c); err != nil {
			return &pipelineFailure{errorMap: map[string]any{errKey(path, depth, "_derive_"+m.Name): err.Error()}}
		}
	}
	return nil
}

func errKey(path []string, depth int, suffix string) string {
	if depth == 0 {
		return suffix
	}
	return strings.Join(path, ".") + "." + suffix
}

func (e *Engine) newCtx(tx *sql.Conn, n *node, modelName string, isMain bool, ev *model.Event) *model.Ctx {
	return &model.Ctx{
		Event:       ev,
		Model:       modelName,
		IsMainEvent: isMain,
		Store: func(name string) *model.Store {
			s, err := e.reg.StoreFor(name, tx)
			if err != nil {
				panic(err)
			}
			return s
		},
		RWStore: func(name string) *model.RWStore {
			rw, err := e.reg.RWStoreFor(name, tx)
			if err != nil {
				panic(err)
			}
			return rw
		},
		Dispatch: func(typ string, data any) {
			n.children = append(n.children, &node{v: n.v, typ: typ, data: data})
		},
	}
}
