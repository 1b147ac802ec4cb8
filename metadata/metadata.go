// Package metadata implements the reserved metadata model: a single-row
// model tracking the highest applied version V plus bookkeeping
// counters. For a handled root event it is advanced in the same
// transaction as every other model's writes, once the whole dispatch tree
// has run; for a failed one, in the micro-transaction that records the
// failure.
package metadata

import (
	"context"
	"fmt"

	"github.com/stratokit/stratodb/model"
)

// ModelName is the reserved name this model registers under. User models
// must not use it.
const ModelName = "_metadata"

// rowID is the single row's id — there is exactly one metadata document.
const rowID = "singleton"

// New returns the reserved metadata Model. It has no preprocessor,
// reducer, or deriver of its own — the dispatch engine writes to it
// directly through its RWStore (see Advance).
func New() *model.Model {
	return &model.Model{Name: ModelName}
}

// State is the metadata row's shape.
type State struct {
	V            int64
	HandledCount int64
	FailedCount  int64
}

// Get reads the current state, defaulting to the zero State if the row
// does not exist yet (a brand-new database).
func Get(ctx context.Context, store *model.Store) (State, error) {
	doc, ok, err := store.Get(ctx, rowID)
	if err != nil {
		return State{}, fmt.Errorf("metadata: get: %w", err)
	}
	if !ok {
		return State{}, nil
	}
	return fromDoc(doc), nil
}

// Advance records that root event v was processed, incrementing
// HandledCount or FailedCount depending on failed, and raising V to v.
// Called once per root event: for a handled event inside that event's own
// write transaction, after its whole dispatch tree has run; for a failed
// event inside the separate micro-transaction that records the failure.
// V advances by exactly one per root event, whether or not it failed.
func Advance(ctx context.Context, rw *model.RWStore, v int64, failed bool) error {
	st, err := Get(ctx, rw.Store)
	if err != nil {
		return err
	}
	st.V = v
	if failed {
		st.FailedCount++
	} else {
		st.HandledCount++
	}
	return rw.Set(ctx, toDoc(st))
}

func fromDoc(doc model.Doc) State {
	return State{
		V:            asInt64(doc["v"]),
		HandledCount: asInt64(doc["handledCount"]),
		FailedCount:  asInt64(doc["failedCount"]),
	}
}

func toDoc(st State) model.Doc {
	return model.Doc{
		"id":           rowID,
		"v":            st.V,
		"handledCount": st.HandledCount,
		"failedCount":  st.FailedCount,
	}
}

// asInt64 normalises the numeric types encoding/json produces when
// unmarshaling into map[string]any (float64) alongside plain int64s set
// by this package itself before a round trip through JSON.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
