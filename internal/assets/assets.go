// Package assets implements the sidecar asset-directory subsystem (spec
// ยง4.j): each owner node may have an asset directory path-derived from its
// own path, linked to it by a pair of back-pointers in node metadata. The
// subsystem follows the owner on move and copy, and repairs broken
// back-pointers opportunistically when it observes them (spec ยง3.2 inv. 3).
package assets

import (
	"context"
	"log/slog"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const (
	metaAssetDirID = "assetDirId"
	metaOwnerID    = "ownerId"
	metaIsAssetDir = "isAssetDir"
)

// Subsystem owns asset-directory creation and keeps it path-synchronous
// with its owner via the kernel's event bus.
type Subsystem struct {
	k      *kernel.Kernel
	logger *slog.Logger
}

// New creates an asset Subsystem bound to k and subscribes it to
// NodeMoved/NodeCopied so asset directories follow their owners (spec
// ยง4.j).
func New(k *kernel.Kernel, logger *slog.Logger) *Subsystem {
	s := &Subsystem{k: k, logger: logger}

	k.Bus().Subscribe(eventbus.NodeMoved, func(ev eventbus.Event) {
		oldPath, _ := ev.Data["oldPath"].(string)
		if err := s.onOwnerMoved(context.Background(), ev.NodeID, oldPath); err != nil {
			logger.Warn("assets: move follow-up failed", "nodeId", ev.NodeID, "error", err)
		}
	})

	k.Bus().Subscribe(eventbus.NodeCopied, func(ev eventbus.Event) {
		sourceID, _ := ev.Data["sourceId"].(string)
		if err := s.onOwnerCopied(context.Background(), sourceID, ev.NodeID); err != nil {
			logger.Warn("assets: copy follow-up failed", "nodeId", ev.NodeID, "error", err)
		}
	})

	k.Bus().Subscribe(eventbus.NodeDeleted, func(ev eventbus.Event) {
		meta, _ := ev.Data["metadata"].(map[string]any)
		if err := s.onOwnerDeleted(context.Background(), meta); err != nil {
			logger.Warn("assets: cleanup after delete failed", "nodeId", ev.NodeID, "error", err)
		}
	})

	return s
}

// onOwnerDeleted removes an owner's asset directory and everything under
// it once the owner itself is gone. An asset directory is a path sibling
// of its owner, not a descendant, so the kernel's own recursive unlink
// never reaches it (spec ยง4.j): this is the only place that deletes it.
// The owner itself no longer resolves by the time NodeDeleted fires, so
// the asset back-pointer is read from the metadata snapshot the kernel
// captured before deletion rather than from a live owner lookup.
func (s *Subsystem) onOwnerDeleted(ctx context.Context, ownerMeta map[string]any) error {
	assetDirID, ok := ownerMeta[metaAssetDirID].(string)
	if !ok || assetDirID == "" {
		return nil
	}

	nodes, err := s.collectFromAssetDir(ctx, assetDirID)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return nil
		}

		return err
	}

	if len(nodes) == 0 {
		return nil
	}

	_, err = s.k.Unlink(ctx, assetDirID, true)

	return err
}

// AssetPath derives the asset path for an owner (spec ยง3.1): a file
// owner "/d/f.ext" gets asset path "/d/.f.ext"; a directory owner "/d"
// gets asset path "/d/.assets".
func AssetPath(owner *kernel.VNode) string {
	parent := pathutil.Dirname(owner.Path)

	if owner.Type == kernel.TypeDirectory {
		return pathutil.Join(owner.Path, ".assets")
	}

	return pathutil.Join(parent, "."+owner.Name)
}

// CreateAssetDirectory computes the owner's asset path, refuses if another
// node already occupies it, creates the directory, and writes the
// bidirectional back-pointers (spec ยง4.j).
func (s *Subsystem) CreateAssetDirectory(ctx context.Context, ownerID string) (*kernel.VNode, error) {
	owner, err := s.k.GetNode(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if existing, ok := owner.Metadata[metaAssetDirID].(string); ok && existing != "" {
		if dir, err := s.k.GetNode(ctx, existing); err == nil {
			return dir, nil
		}
	}

	assetPath := AssetPath(owner)

	if exists, err := s.k.Exists(ctx, assetPath); err != nil {
		return nil, err
	} else if exists {
		return nil, vaulterr.AlreadyExists(assetPath)
	}

	dir, err := s.k.CreateNode(ctx, assetPath, kernel.TypeDirectory, nil, map[string]any{
		metaOwnerID:    owner.NodeID,
		metaIsAssetDir: true,
	})
	if err != nil {
		return nil, err
	}

	ownerMeta := cloneMeta(owner.Metadata)
	ownerMeta[metaAssetDirID] = dir.NodeID

	if err := s.updateMetadata(ctx, owner.NodeID, ownerMeta); err != nil {
		return nil, err
	}

	return dir, nil
}

// onOwnerMoved recomputes the asset dir's new path from the owner's new
// path and moves it in a sibling transaction (spec ยง4.j).
func (s *Subsystem) onOwnerMoved(ctx context.Context, ownerID, oldOwnerPath string) error {
	owner, err := s.k.GetNode(ctx, ownerID)
	if err != nil {
		return err
	}

	assetDirID, ok := owner.Metadata[metaAssetDirID].(string)
	if !ok || assetDirID == "" {
		return nil
	}

	dir, err := s.k.GetNode(ctx, assetDirID)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return s.repairOwnerBackPointer(ctx, owner)
		}

		return err
	}

	newPath := AssetPath(owner)
	if dir.Path == newPath {
		return nil
	}

	_, err = s.k.Move(ctx, dir.NodeID, newPath)

	return err
}

// onOwnerCopied deep-copies the source's asset dir to the new owner's
// asset path and repoints back-references on both sides (spec ยง4.j): the
// source's back-reference survives unchanged; the target gets a fresh
// assetDirId.
func (s *Subsystem) onOwnerCopied(ctx context.Context, sourceOwnerID, newOwnerID string) error {
	if sourceOwnerID == "" {
		return nil
	}

	source, err := s.k.GetNode(ctx, sourceOwnerID)
	if err != nil {
		return err
	}

	assetDirID, ok := source.Metadata[metaAssetDirID].(string)
	if !ok || assetDirID == "" {
		return nil
	}

	sourceDir, err := s.k.GetNode(ctx, assetDirID)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return nil
		}

		return err
	}

	newOwner, err := s.k.GetNode(ctx, newOwnerID)
	if err != nil {
		return err
	}

	newAssetPath := AssetPath(newOwner)

	copiedDir, err := s.k.Copy(ctx, sourceDir.NodeID, newAssetPath)
	if err != nil {
		return err
	}

	copiedMeta := cloneMeta(copiedDir.Metadata)
	copiedMeta[metaOwnerID] = newOwner.NodeID
	copiedMeta[metaIsAssetDir] = true

	if err := s.updateMetadata(ctx, copiedDir.NodeID, copiedMeta); err != nil {
		return err
	}

	newOwnerMeta := cloneMeta(newOwner.Metadata)
	newOwnerMeta[metaAssetDirID] = copiedDir.NodeID

	return s.updateMetadata(ctx, newOwner.NodeID, newOwnerMeta)
}

// repairOwnerBackPointer clears a stale assetDirId pointer (spec ยง3.2
// inv. 3 "Broken back-pointers are repaired opportunistically to null").
func (s *Subsystem) repairOwnerBackPointer(ctx context.Context, owner *kernel.VNode) error {
	meta := cloneMeta(owner.Metadata)
	delete(meta, metaAssetDirID)

	return s.updateMetadata(ctx, owner.NodeID, meta)
}

// CollectAssetNodes gathers, without duplicates, every descendant of every
// asset directory owned by ownerID, for callers assembling a cascade
// delete set (spec ยง4.j).
func (s *Subsystem) CollectAssetNodes(ctx context.Context, ownerID string) ([]*kernel.VNode, error) {
	owner, err := s.k.GetNode(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	assetDirID, ok := owner.Metadata[metaAssetDirID].(string)
	if !ok || assetDirID == "" {
		return nil, nil
	}

	return s.collectFromAssetDir(ctx, assetDirID)
}

// collectFromAssetDir walks assetDirID and every descendant, without
// duplicates, for callers assembling a cascade delete set. Unlike
// CollectAssetNodes it takes the asset directory's id directly, so it
// still works once the owner node itself no longer exists.
func (s *Subsystem) collectFromAssetDir(ctx context.Context, assetDirID string) ([]*kernel.VNode, error) {
	dir, err := s.k.GetNode(ctx, assetDirID)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	seen := map[string]bool{}

	var collect func(n *kernel.VNode) error

	var out []*kernel.VNode

	collect = func(n *kernel.VNode) error {
		if seen[n.NodeID] {
			return nil
		}

		seen[n.NodeID] = true
		out = append(out, n)

		if n.Type != kernel.TypeDirectory {
			return nil
		}

		children, err := s.k.Readdir(ctx, n.NodeID)
		if err != nil {
			return err
		}

		for _, c := range children {
			if err := collect(c); err != nil {
				return err
			}
		}

		return nil
	}

	if err := collect(dir); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Subsystem) updateMetadata(ctx context.Context, nodeID string, meta map[string]any) error {
	return s.k.SetMetadata(ctx, nodeID, meta)
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}

	return out
}
