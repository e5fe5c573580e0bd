package syncstate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
	"github.com/vaultfs/vaultfs/internal/syncstate"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

func newTestStore(t *testing.T) *syncstate.Store {
	t.Helper()

	adapter := memory.New()

	for _, schema := range storage.CoreSchemas() {
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

	s := syncstate.New(k, m)

	if err := s.EnsureModule(context.Background()); err != nil {
		t.Fatalf("EnsureModule: %v", err)
	}

	return s
}

func TestEnsureModuleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// A second EnsureModule call must be idempotent.
	if err := s.EnsureModule(ctx); err != nil {
		t.Fatalf("second EnsureModule: %v", err)
	}
}

func TestSaveAndLoadCursor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := syncstate.Cursor{PeerID: "peer1", ModuleID: "docs", LastLogID: 42, LastSyncTime: 1000}

	if err := s.SaveCursor(ctx, c); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	got, err := s.LoadCursor(ctx, "peer1", "docs")
	if err != nil {
		t.Fatalf("LoadCursor: %v", err)
	}

	if *got != c {
		t.Fatalf("loaded cursor = %+v, want %+v", *got, c)
	}

	// Overwrite and reload.
	c.LastLogID = 99

	if err := s.SaveCursor(ctx, c); err != nil {
		t.Fatalf("SaveCursor (overwrite): %v", err)
	}

	got, err = s.LoadCursor(ctx, "peer1", "docs")
	if err != nil {
		t.Fatalf("LoadCursor (after overwrite): %v", err)
	}

	if got.LastLogID != 99 {
		t.Fatalf("lastLogId = %d, want 99", got.LastLogID)
	}
}

func TestLoadCursorMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LoadCursor(ctx, "peer1", "docs"); !vaulterr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestSaveAndLoadPeerState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := syncstate.PeerState{PeerID: "peer1", Data: map[string]any{"protocolVersion": "1"}}

	if err := s.SavePeerState(ctx, st); err != nil {
		t.Fatalf("SavePeerState: %v", err)
	}

	got, err := s.LoadPeerState(ctx, "peer1")
	if err != nil {
		t.Fatalf("LoadPeerState: %v", err)
	}

	if got.Data["protocolVersion"] != "1" {
		t.Fatalf("data = %v, want protocolVersion=1", got.Data)
	}
}

func TestSaveConnectionErrorAndOK(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SaveConnectionError(ctx, "peer1", errors.New("dial tcp: connection refused"), true, 1234); err != nil {
		t.Fatalf("SaveConnectionError: %v", err)
	}

	got, err := s.LoadPeerState(ctx, "peer1")
	if err != nil {
		t.Fatalf("LoadPeerState: %v", err)
	}

	if got.Data[syncstate.PeerStateKeyStatus] != syncstate.PeerStatusError {
		t.Fatalf("status = %v, want error", got.Data[syncstate.PeerStateKeyStatus])
	}

	if got.Data[syncstate.PeerStateKeyRetryable] != true {
		t.Fatalf("retryable = %v, want true", got.Data[syncstate.PeerStateKeyRetryable])
	}

	if got.Data[syncstate.PeerStateKeyError] != "dial tcp: connection refused" {
		t.Fatalf("error = %v, want dial tcp: connection refused", got.Data[syncstate.PeerStateKeyError])
	}

	if err := s.SaveConnectionOK(ctx, "peer1", 5678); err != nil {
		t.Fatalf("SaveConnectionOK: %v", err)
	}

	got, err = s.LoadPeerState(ctx, "peer1")
	if err != nil {
		t.Fatalf("LoadPeerState: %v", err)
	}

	if got.Data[syncstate.PeerStateKeyStatus] != syncstate.PeerStatusOK {
		t.Fatalf("status = %v, want ok", got.Data[syncstate.PeerStateKeyStatus])
	}
}

func TestSaveAndLoadNodeMapping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m := syncstate.NodeMapping{PeerID: "peer1", RemoteNodeID: "remote-1", LocalNodeID: "local-1"}

	if err := s.SaveNodeMapping(ctx, m); err != nil {
		t.Fatalf("SaveNodeMapping: %v", err)
	}

	got, err := s.LoadNodeMapping(ctx, "peer1", "remote-1")
	if err != nil {
		t.Fatalf("LoadNodeMapping: %v", err)
	}

	if *got != m {
		t.Fatalf("loaded mapping = %+v, want %+v", *got, m)
	}
}

func TestLoadNodeMappingMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.LoadNodeMapping(ctx, "peer1", "remote-1"); !vaulterr.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}
