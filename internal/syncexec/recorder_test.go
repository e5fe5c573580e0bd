package syncexec_test

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
	"github.com/vaultfs/vaultfs/internal/synclog"
	"github.com/vaultfs/vaultfs/internal/syncexec"
)

func newTestRecorderHarness(t *testing.T) (*kernel.Kernel, *module.Manager, *synclog.Journal, *eventbus.Bus, *syncexec.Recorder) {
	t.Helper()

	adapter := memory.New()

	schemas := storage.CoreSchemas()
	schemas = append(schemas, synclog.Schemas()...)

	for _, schema := range schemas {
		if err := adapter.RegisterSchema(schema); err != nil {
			t.Fatalf("RegisterSchema(%s): %v", schema.Name, err)
		}
	}

	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bus := eventbus.New(logging.Discard())
	k := kernel.New(adapter, bus, logging.Discard())

	if err := k.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	clock := int64(1000)
	m := module.New(k, func() int64 { clock++; return clock })

	if err := m.EnsureRegistry(context.Background()); err != nil {
		t.Fatalf("EnsureRegistry: %v", err)
	}

	if _, err := m.CreateModule(context.Background(), "docs", "", false, true); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	journal := synclog.New(adapter)
	rec := syncexec.NewRecorder(k, journal, m, logging.Discard(), func() int64 { clock++; return clock })
	rec.Attach(bus)

	return k, m, journal, bus, rec
}

func pendingCount(t *testing.T, journal *synclog.Journal) int {
	t.Helper()

	entries, err := journal.PendingLogs(context.Background(), 100)
	if err != nil {
		t.Fatalf("PendingLogs: %v", err)
	}

	return len(entries)
}

func TestRecorderAppendsOnCreate(t *testing.T) {
	ctx := context.Background()
	k, _, journal, _, _ := newTestRecorderHarness(t)

	if _, err := k.CreateNode(ctx, "/docs/a.txt", kernel.TypeFile, []byte("hi"), nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if got := pendingCount(t, journal); got != 1 {
		t.Fatalf("pending entries = %d, want 1", got)
	}
}

func TestRecorderSkipsSuppressedNode(t *testing.T) {
	ctx := context.Background()
	k, _, journal, _, rec := newTestRecorderHarness(t)

	release := rec.Suppress("will-be-the-node-id")

	n, err := k.CreateNode(ctx, "/docs/a.txt", kernel.TypeFile, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	// The node id is assigned by CreateNode, so re-suppress it by its
	// real id to simulate an executor that resolved the id beforehand.
	release()
	release = rec.Suppress(n.NodeID)
	defer release()

	if _, err := k.Write(ctx, n.NodeID, []byte("bye")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// One entry from the unsuppressed create, none from the suppressed write.
	if got := pendingCount(t, journal); got != 1 {
		t.Fatalf("pending entries = %d, want 1", got)
	}
}

func TestRecorderSkipsReservedModule(t *testing.T) {
	ctx := context.Background()
	k, m, journal, _, _ := newTestRecorderHarness(t)

	if _, err := m.CreateModule(ctx, module.ReservedSyncModuleName, "", true, false); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	if _, err := k.CreateNode(ctx, "/__sync__/test.json", kernel.TypeFile, []byte("{}"), nil); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if got := pendingCount(t, journal); got != 0 {
		t.Fatalf("pending entries = %d, want 0", got)
	}
}

func TestRecorderRecordsMoveWithPreviousPath(t *testing.T) {
	ctx := context.Background()
	k, _, journal, _, _ := newTestRecorderHarness(t)

	n, err := k.CreateNode(ctx, "/docs/a.txt", kernel.TypeFile, []byte("hi"), nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if _, err := k.Move(ctx, n.NodeID, "/docs/b.txt"); err != nil {
		t.Fatalf("Move: %v", err)
	}

	entries, err := journal.PendingLogs(ctx, 100)
	if err != nil {
		t.Fatalf("PendingLogs: %v", err)
	}

	var found bool

	for _, e := range entries {
		if e.Operation == synclog.OpMove {
			found = true

			if e.PreviousPath != "/docs/a.txt" {
				t.Fatalf("previousPath = %q, want /docs/a.txt", e.PreviousPath)
			}
		}
	}

	if !found {
		t.Fatalf("no move entry recorded")
	}
}
