package kernel

import (
	"context"
	"strings"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Move relocates and/or renames a node, rewriting every descendant's path
// in the same transaction (spec ยง4.e). Moving a node into its own subtree
// is rejected.
func (k *Kernel) Move(ctx context.Context, nodeID, destPath string) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	destPath = pathutil.Normalize(destPath)

	if !pathutil.IsValid(destPath) {
		return nil, vaulterr.InvalidPath(destPath, "malformed path")
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("move: begin transaction", err)
	}

	n, oldPath, err := k.moveTx(ctx, tx, nodeID, destPath)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: move: commit", err)
	}

	k.emit(eventbus.NodeMoved, n, map[string]any{"oldPath": oldPath})

	return n, nil
}

func (k *Kernel) moveTx(ctx context.Context, tx storage.Transaction, nodeID, destPath string) (*VNode, string, error) {
	n, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, "", err
	}

	if n.IsRoot() {
		return nil, "", vaulterr.InvalidOperation("move: cannot move the root")
	}

	oldPath := n.Path

	if destPath == oldPath {
		return n, oldPath, nil
	}

	if pathutil.IsSubPath(oldPath, destPath) {
		return nil, "", vaulterr.InvalidOperation("move: destination is inside the source subtree")
	}

	if existing, _ := getNodeByPathTx(ctx, tx, destPath); existing != nil {
		return nil, "", vaulterr.AlreadyExists(destPath)
	}

	destParentPath := pathutil.Dirname(destPath)

	destParent, err := getNodeByPathTx(ctx, tx, destParentPath)
	if err != nil {
		return nil, "", err
	}

	if destParent == nil {
		return nil, "", vaulterr.NotFound("parent", destParentPath)
	}

	if destParent.Type != TypeDirectory {
		return nil, "", vaulterr.InvalidOperation("move: destination parent is not a directory")
	}

	n.ParentID = destParent.NodeID
	n.Name = pathutil.Basename(destPath)
	n.Path = destPath
	n.ModifiedAt = nowMillis()

	if err := k.rewriteSubtreePaths(ctx, tx, n, oldPath, destPath); err != nil {
		return nil, "", err
	}

	if err := k.pipeline.AfterMove(ctx, n, oldPath, tx); err != nil {
		return nil, "", err
	}

	return n, oldPath, nil
}

// rewriteSubtreePaths persists n under its new path and recursively
// rewrites every descendant's path prefix from oldBase to newBase.
func (k *Kernel) rewriteSubtreePaths(ctx context.Context, tx storage.Transaction, n *VNode, oldBase, newBase string) error {
	if err := tx.Collection(collVNodes).Put(ctx, n.toRecord()); err != nil {
		return wrapStorage("move: persist node", err)
	}

	if n.Type != TypeDirectory {
		return nil
	}

	children, err := tx.Collection(collVNodes).GetAllByIndex(ctx, "parentId", n.NodeID)
	if err != nil {
		return wrapStorage("move: list children", err)
	}

	for _, rec := range children {
		child := nodeFromRecord(rec)
		if child == nil {
			continue
		}

		child.Path = newBase + strings.TrimPrefix(child.Path, oldBase)

		if err := k.rewriteSubtreePaths(ctx, tx, child, oldBase, newBase); err != nil {
			return err
		}
	}

	return nil
}
