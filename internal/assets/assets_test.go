package assets_test

import (
	"context"
	"testing"

	"github.com/vaultfs/vaultfs/internal/assets"
	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/memory"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

func newTestKernel(t *testing.T) *kernel.Kernel {
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

	return k
}

func TestCreateAssetDirectoryForFile(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	a := assets.New(k, logging.Discard())

	if _, err := k.CreateNode(ctx, "/notes", kernel.TypeDirectory, nil, nil); err != nil {
		t.Fatalf("CreateNode(/notes): %v", err)
	}

	owner, err := k.CreateNode(ctx, "/notes/n.md", kernel.TypeFile, []byte("# hi"), nil)
	if err != nil {
		t.Fatalf("CreateNode(/notes/n.md): %v", err)
	}

	dir, err := a.CreateAssetDirectory(ctx, owner.NodeID)
	if err != nil {
		t.Fatalf("CreateAssetDirectory: %v", err)
	}

	if dir.Path != "/notes/.n.md" {
		t.Fatalf("asset path = %q, want /notes/.n.md", dir.Path)
	}

	updatedOwner, err := k.GetNode(ctx, owner.NodeID)
	if err != nil {
		t.Fatalf("GetNode(owner): %v", err)
	}

	if updatedOwner.Metadata["assetDirId"] != dir.NodeID {
		t.Fatalf("owner.assetDirId = %v, want %v", updatedOwner.Metadata["assetDirId"], dir.NodeID)
	}

	if dir.Metadata["ownerId"] != owner.NodeID || dir.Metadata["isAssetDir"] != true {
		t.Fatalf("asset dir back-pointers = %v, want ownerId=%v isAssetDir=true", dir.Metadata, owner.NodeID)
	}
}

func TestAssetDirectoryFollowsOwnerOnMove(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	a := assets.New(k, logging.Discard())

	if _, err := k.CreateNode(ctx, "/notes", kernel.TypeDirectory, nil, nil); err != nil {
		t.Fatalf("CreateNode(/notes): %v", err)
	}

	if _, err := k.CreateNode(ctx, "/archive", kernel.TypeDirectory, nil, nil); err != nil {
		t.Fatalf("CreateNode(/archive): %v", err)
	}

	owner, err := k.CreateNode(ctx, "/notes/n.md", kernel.TypeFile, []byte("# hi"), nil)
	if err != nil {
		t.Fatalf("CreateNode(/notes/n.md): %v", err)
	}

	dir, err := a.CreateAssetDirectory(ctx, owner.NodeID)
	if err != nil {
		t.Fatalf("CreateAssetDirectory: %v", err)
	}

	if _, err := k.CreateNode(ctx, dir.Path+"/img.png", kernel.TypeFile, []byte("png"), nil); err != nil {
		t.Fatalf("CreateNode(asset file): %v", err)
	}

	if _, err := k.Move(ctx, owner.NodeID, "/archive/n.md"); err != nil {
		t.Fatalf("Move(owner): %v", err)
	}

	movedDir, err := k.GetNodeByPath(ctx, "/archive/.n.md")
	if err != nil {
		t.Fatalf("GetNodeByPath(/archive/.n.md): %v", err)
	}

	if _, err := k.GetNodeByPath(ctx, "/archive/.n.md/img.png"); err != nil {
		t.Fatalf("GetNodeByPath(/archive/.n.md/img.png): %v", err)
	}

	movedOwner, err := k.GetNode(ctx, owner.NodeID)
	if err != nil {
		t.Fatalf("GetNode(owner): %v", err)
	}

	if movedOwner.Metadata["assetDirId"] != movedDir.NodeID {
		t.Fatalf("owner.assetDirId after move = %v, want %v", movedOwner.Metadata["assetDirId"], movedDir.NodeID)
	}
}

func TestAssetDirectoryIsDeletedWithOwner(t *testing.T) {
	ctx := context.Background()
	k := newTestKernel(t)
	a := assets.New(k, logging.Discard())

	if _, err := k.CreateNode(ctx, "/notes", kernel.TypeDirectory, nil, nil); err != nil {
		t.Fatalf("CreateNode(/notes): %v", err)
	}

	owner, err := k.CreateNode(ctx, "/notes/n.md", kernel.TypeFile, []byte("# hi"), nil)
	if err != nil {
		t.Fatalf("CreateNode(/notes/n.md): %v", err)
	}

	dir, err := a.CreateAssetDirectory(ctx, owner.NodeID)
	if err != nil {
		t.Fatalf("CreateAssetDirectory: %v", err)
	}

	img, err := k.CreateNode(ctx, dir.Path+"/img.png", kernel.TypeFile, []byte("png"), nil)
	if err != nil {
		t.Fatalf("CreateNode(asset file): %v", err)
	}

	if _, err := k.Unlink(ctx, owner.NodeID, false); err != nil {
		t.Fatalf("Unlink(owner): %v", err)
	}

	if _, err := k.GetNode(ctx, dir.NodeID); !vaulterr.IsNotFound(err) {
		t.Fatalf("asset dir still present after owner deleted: err = %v", err)
	}

	if _, err := k.GetNode(ctx, img.NodeID); !vaulterr.IsNotFound(err) {
		t.Fatalf("asset dir content still present after owner deleted: err = %v", err)
	}
}
