package conflict_test

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/internal/conflict"
	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
)

func TestCompareRelations(t *testing.T) {
	cases := []struct {
		name   string
		local  conflict.Clock
		remote conflict.Clock
		want   conflict.Relation
	}{
		{"equal", conflict.Clock{"A": 2}, conflict.Clock{"A": 2}, conflict.RelationEqual},
		{"ancestor", conflict.Clock{"A": 1}, conflict.Clock{"A": 2}, conflict.RelationAncestor},
		{"descendant", conflict.Clock{"A": 2}, conflict.Clock{"A": 1}, conflict.RelationDescendant},
		{"concurrent", conflict.Clock{"A": 2}, conflict.Clock{"B": 1}, conflict.RelationConcurrent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := conflict.Compare(tc.local, tc.remote)
			if got != tc.want {
				t.Fatalf("Compare(%v, %v) = %v, want %v", tc.local, tc.remote, got, tc.want)
			}
		})
	}
}

func newTestResolver(t *testing.T, policy conflict.Policy) (*conflict.Resolver, *eventbus.Bus) {
	t.Helper()

	adapter := memory.New()

	for _, schema := range conflict.Schemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			t.Fatalf("RegisterSchema(%s): %v", schema.Name, err)
		}
	}

	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bus := eventbus.New(logging.Discard())

	return conflict.New(adapter, bus, policy, func() int64 { return 100 }), bus
}

func TestResolveNewerWinsAppliesWhenRemoteIsNewer(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestResolver(t, conflict.PolicyNewerWins)

	var conflictEmitted bool

	bus.Subscribe(eventbus.SyncConflict, func(eventbus.Event) { conflictEmitted = true })

	decision, err := r.Resolve(ctx,
		conflict.LocalState{NodeID: "n1", ModifiedAt: 50, Clock: conflict.Clock{"A": 2}},
		conflict.RemoteChange{NodeID: "n1", Timestamp: 90, Clock: conflict.Clock{"B": 1}},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if decision != conflict.DecisionApply {
		t.Fatalf("decision = %v, want Apply", decision)
	}

	if !conflictEmitted {
		t.Fatalf("sync.conflict event was not emitted")
	}
}

func TestResolveClientWinsSkipsAndPersistsConflict(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, conflict.PolicyClientWins)

	decision, err := r.Resolve(ctx,
		conflict.LocalState{NodeID: "n1", ModifiedAt: 50, Clock: conflict.Clock{"A": 2}},
		conflict.RemoteChange{NodeID: "n1", Timestamp: 90, Clock: conflict.Clock{"B": 1}},
	)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if decision != conflict.DecisionSkip {
		t.Fatalf("decision = %v, want Skip", decision)
	}

	pending, err := r.PendingConflicts(ctx)
	if err != nil {
		t.Fatalf("PendingConflicts: %v", err)
	}

	if len(pending) != 0 {
		t.Fatalf("pending = %v, want none (client-wins auto-resolves)", pending)
	}
}

func TestResolveManualLeavesConflictPending(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestResolver(t, conflict.PolicyManual)

	if _, err := r.Resolve(ctx,
		conflict.LocalState{NodeID: "n1", ModifiedAt: 50, Clock: conflict.Clock{"A": 2}},
		conflict.RemoteChange{NodeID: "n1", Timestamp: 90, Clock: conflict.Clock{"B": 1}},
	); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pending, err := r.PendingConflicts(ctx)
	if err != nil {
		t.Fatalf("PendingConflicts: %v", err)
	}

	if len(pending) != 1 {
		t.Fatalf("pending = %v, want 1 record", pending)
	}

	if err := r.ResolveManually(ctx, pending[0].ConflictID, conflict.SideRemote); err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}

	pending, err = r.PendingConflicts(ctx)
	if err != nil {
		t.Fatalf("PendingConflicts: %v", err)
	}

	if len(pending) != 0 {
		t.Fatalf("pending after ResolveManually = %v, want none", pending)
	}
}
