package packet_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/packet"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
	"github.com/vaultfs/vaultfs/internal/synclog"
)

func newTestBuilder(t *testing.T) (*kernel.Kernel, *module.Manager, *packet.Builder) {
	t.Helper()

	adapter := memory.New()

	schemas := storage.CoreSchemas()
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
		t.Fatalf("CreateModule(docs): %v", err)
	}

	if _, err := m.CreateModule(context.Background(), "scratch", "", false, false); err != nil {
		t.Fatalf("CreateModule(scratch): %v", err)
	}

	return k, m, packet.NewBuilder(k, m, 4, packet.DefaultInlineThreshold)
}

func TestBuildInlinesSmallFileAndStripsInternalKeys(t *testing.T) {
	ctx := context.Background()
	k, _, b := newTestBuilder(t)

	n, err := k.CreateNode(ctx, "/docs/a.txt", kernel.TypeFile, []byte("hello"), map[string]any{
		"_sync_v":    int64(3),
		"_sync_time": int64(42),
		"color":      "blue",
	})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	entries := []synclog.Entry{{LogID: 1, NodeID: n.NodeID, Path: n.Path, Operation: synclog.OpCreate}}

	p, err := b.Build(ctx, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.Changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(p.Changes))
	}

	c := p.Changes[0]
	if c.Version != 3 {
		t.Fatalf("version = %d, want 3", c.Version)
	}

	if _, present := c.Metadata["_sync_time"]; present {
		t.Fatalf("metadata still carries internal key: %v", c.Metadata)
	}

	if c.Metadata["color"] != "blue" {
		t.Fatalf("metadata lost user key: %v", c.Metadata)
	}

	inline, ok := p.InlineContents[n.ContentRef]
	if !ok {
		t.Fatalf("expected inline content for %s", n.ContentRef)
	}

	data, err := base64.StdEncoding.DecodeString(inline.Data)
	if err != nil {
		t.Fatalf("decode inline data: %v", err)
	}

	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("inline data = %q, want %q", data, "hello")
	}
}

func TestBuildChunkRefsLargeFile(t *testing.T) {
	ctx := context.Background()
	k, m, _ := newTestBuilder(t)
	b := packet.NewBuilder(k, m, 4, 4)

	n, err := k.CreateNode(ctx, "/docs/big.bin", kernel.TypeFile, []byte("0123456789"), nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	entries := []synclog.Entry{{LogID: 1, NodeID: n.NodeID, Path: n.Path, Operation: synclog.OpCreate}}

	p, err := b.Build(ctx, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.InlineContents) != 0 {
		t.Fatalf("expected no inline content, got %v", p.InlineContents)
	}

	if len(p.ChunkRefs) != 1 {
		t.Fatalf("chunkRefs = %d, want 1", len(p.ChunkRefs))
	}

	if p.ChunkRefs[0].TotalChunks != 3 {
		t.Fatalf("totalChunks = %d, want 3 (ceil(10/4))", p.ChunkRefs[0].TotalChunks)
	}
}

func TestBuildSkipsSyncDisabledModule(t *testing.T) {
	ctx := context.Background()
	k, _, b := newTestBuilder(t)

	n, err := k.CreateNode(ctx, "/scratch/tmp.txt", kernel.TypeFile, []byte("x"), nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	entries := []synclog.Entry{{LogID: 1, NodeID: n.NodeID, Path: n.Path, Operation: synclog.OpCreate}}

	p, err := b.Build(ctx, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.Changes) != 0 {
		t.Fatalf("changes = %v, want none (sync-disabled module)", p.Changes)
	}
}

func TestBuildSkipsLocallyDeletedNodeUnlessDeleteOp(t *testing.T) {
	ctx := context.Background()
	k, _, b := newTestBuilder(t)

	n, err := k.CreateNode(ctx, "/docs/gone.txt", kernel.TypeFile, []byte("x"), nil)
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	if _, err := k.Unlink(ctx, n.NodeID, false); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	entries := []synclog.Entry{
		{LogID: 1, NodeID: n.NodeID, Path: n.Path, Operation: synclog.OpUpdate},
		{LogID: 2, NodeID: n.NodeID, Path: n.Path, Operation: synclog.OpDelete},
	}

	p, err := b.Build(ctx, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(p.Changes) != 1 {
		t.Fatalf("changes = %d, want 1 (only the delete row)", len(p.Changes))
	}

	if p.Changes[0].Operation != synclog.OpDelete {
		t.Fatalf("surviving change = %v, want delete", p.Changes[0].Operation)
	}
}
