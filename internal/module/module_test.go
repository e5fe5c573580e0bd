package module_test

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

func newTestManager(t *testing.T) (*kernel.Kernel, *module.Manager) {
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
	m := module.New(k, func() int64 {
		clock++
		return clock
	})

	if err := m.EnsureRegistry(context.Background()); err != nil {
		t.Fatalf("EnsureRegistry: %v", err)
	}

	return k, m
}

func TestCreateModuleAndList(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	if _, err := m.CreateModule(ctx, "documents", "user documents", false, true); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	if _, err := m.CreateModule(ctx, "trash", "deleted items", true, false); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	mods, err := m.ListModules(ctx)
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}

	if len(mods) != 2 || mods[0].Name != "documents" || mods[1].Name != "trash" {
		t.Fatalf("ListModules = %+v, want [documents, trash]", mods)
	}
}

func TestCreateModuleRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	if _, err := m.CreateModule(ctx, "notes", "", false, true); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	if _, err := m.CreateModule(ctx, "notes", "", false, true); !vaulterr.IsAlreadyExists(err) {
		t.Fatalf("duplicate CreateModule: err = %v, want AlreadyExists", err)
	}
}

func TestRemoveModuleDeletesSubtreeAndEntry(t *testing.T) {
	ctx := context.Background()
	k, m := newTestManager(t)

	mod, err := m.CreateModule(ctx, "scratch", "", false, true)
	if err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	if err := m.RemoveModule(ctx, "scratch"); err != nil {
		t.Fatalf("RemoveModule: %v", err)
	}

	if _, err := k.GetNode(ctx, mod.RootNodeID); !vaulterr.IsNotFound(err) {
		t.Fatalf("module root still present: err = %v", err)
	}

	if _, err := m.GetModule(ctx, "scratch"); !vaulterr.IsNotFound(err) {
		t.Fatalf("GetModule(scratch): err = %v, want NotFound", err)
	}
}

func TestRemoveModuleRejectsProtected(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	if _, err := m.CreateModule(ctx, "system", "", true, false); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	if err := m.RemoveModule(ctx, "system"); err == nil {
		t.Fatalf("RemoveModule(protected): err = nil, want error")
	}
}

func TestModuleForPath(t *testing.T) {
	ctx := context.Background()
	_, m := newTestManager(t)

	if _, err := m.CreateModule(ctx, "docs", "", false, true); err != nil {
		t.Fatalf("CreateModule: %v", err)
	}

	mod, err := m.ModuleForPath(ctx, "/docs/sub/file.txt")
	if err != nil {
		t.Fatalf("ModuleForPath: %v", err)
	}

	if mod.Name != "docs" {
		t.Fatalf("ModuleForPath = %q, want docs", mod.Name)
	}
}
