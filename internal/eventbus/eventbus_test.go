package eventbus

import (
	"testing"

	"github.com/vaultfs/vaultfs/internal/logging"
)

func TestExactSubscription(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	var got []Event
	b.Subscribe(NodeCreated, func(e Event) { got = append(got, e) })

	b.Emit(Event{Type: NodeCreated, NodeID: "n1"})
	b.Emit(Event{Type: NodeDeleted, NodeID: "n2"})

	if len(got) != 1 || got[0].NodeID != "n1" {
		t.Fatalf("got %v, want one event for n1", got)
	}
}

func TestWildcardSubscription(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	var count int
	b.Subscribe("node.*", func(Event) { count++ })

	b.Emit(Event{Type: NodeCreated})
	b.Emit(Event{Type: NodeDeleted})
	b.Emit(Event{Type: PluginError})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	var count int
	sub := b.Subscribe(NodeCreated, func(Event) { count++ })

	b.Emit(Event{Type: NodeCreated})
	b.Unsubscribe(sub)
	b.Emit(Event{Type: NodeCreated})

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	b.Subscribe(NodeCreated, func(Event) { panic("boom") })

	var called bool
	b.Subscribe(NodeCreated, func(Event) { called = true })

	b.Emit(Event{Type: NodeCreated})

	if !called {
		t.Error("second handler should still run after first panicked")
	}
}

func TestReentrantEmit(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	var inner bool
	b.Subscribe(NodeCreated, func(Event) {
		b.Emit(Event{Type: NodeUpdated})
	})
	b.Subscribe(NodeUpdated, func(Event) { inner = true })

	b.Emit(Event{Type: NodeCreated})

	if !inner {
		t.Error("re-entrant emit from within a handler should be delivered")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	b := New(logging.Discard())

	var count int
	b.Subscribe(NodeCreated, func(Event) { count++ })
	b.Clear()
	b.Emit(Event{Type: NodeCreated})

	if count != 0 {
		t.Errorf("count = %d after Clear, want 0", count)
	}
}
