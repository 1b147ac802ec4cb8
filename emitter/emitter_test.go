package emitter

import "testing"

func TestEmitResultOrderAndPayload(t *testing.T) {
	e := New()
	var calls []string

	e.OnResult(func(ev Event) { calls = append(calls, "first:"+ev.Type) })
	e.OnResult(func(ev Event) { calls = append(calls, "second:"+ev.Type) })

	e.EmitResult(Event{V: 1, Type: "hi"})

	want := []string{"first:hi", "second:hi"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestEmitErrorDoesNotRunResultListeners(t *testing.T) {
	e := New()
	resultCalled := false
	errorCalled := false

	e.OnResult(func(ev Event) { resultCalled = true })
	e.OnError(func(ev Event) { errorCalled = true })

	e.EmitError(Event{V: 1, Type: "bad"})

	if resultCalled {
		t.Error("result listener should not fire on EmitError")
	}
	if !errorCalled {
		t.Error("error listener should have fired")
	}
}

func TestTransactionSignalOrder(t *testing.T) {
	e := New()
	var order []string
	e.OnBegin(func() { order = append(order, "begin") })
	e.OnEnd(func() { order = append(order, "end") })
	e.OnRollback(func() { order = append(order, "rollback") })
	e.OnFinally(func() { order = append(order, "finally") })

	e.EmitBegin()
	e.EmitEnd()
	e.EmitFinally()

	want := []string{"begin", "end", "finally"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}
