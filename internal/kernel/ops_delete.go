package kernel

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Unlink removes a node and, for a directory, every descendant (spec ยง4.e).
// A non-empty directory requires recursive=true; without it, Unlink returns
// an InvalidOperation error and removes nothing. Deleting an already-missing
// node is an idempotent no-op (spec ยง7): callers that need to know whether a
// node existed should GetNode first. Returns the ids of every node removed,
// leaf-first, so callers can fold them into their own bookkeeping (e.g. the
// sync log, or an asset directory's cascade delete).
func (k *Kernel) Unlink(ctx context.Context, nodeID string, recursive bool) ([]string, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes, collContents}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("unlink: begin transaction", err)
	}

	n, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		_ = tx.Abort(ctx)

		if vaulterr.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	if n.Type == TypeDirectory && !recursive {
		children, err := tx.Collection(collVNodes).GetAllByIndex(ctx, "parentId", n.NodeID)
		if err != nil {
			_ = tx.Abort(ctx)
			return nil, wrapStorage("unlink: list children", err)
		}

		if len(children) > 0 {
			_ = tx.Abort(ctx)
			return nil, vaulterr.InvalidOperation("unlink: directory " + n.Path + " is not empty, recursive=true required")
		}
	}

	removed, err := k.unlinkTx(ctx, tx, n)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: unlink: commit", err)
	}

	ids := make([]string, len(removed))

	for i, r := range removed {
		ids[i] = r.NodeID
		k.emit(eventbus.NodeDeleted, r, map[string]any{"metadata": r.Metadata})
	}

	return ids, nil
}

// unlinkTx removes n and its full descendant subtree within tx, running
// BeforeDelete/AfterDelete for every node leaf-first so a directory's
// children are gone before the directory itself is. Returns every removed
// node in leaf-first order so callers can emit one event per node.
func (k *Kernel) unlinkTx(ctx context.Context, tx storage.Transaction, n *VNode) ([]*VNode, error) {
	var removed []*VNode

	if n.Type == TypeDirectory {
		children, err := tx.Collection(collVNodes).GetAllByIndex(ctx, "parentId", n.NodeID)
		if err != nil {
			return nil, wrapStorage("unlink: list children", err)
		}

		for _, rec := range children {
			child := nodeFromRecord(rec)
			if child == nil {
				continue
			}

			childRemoved, err := k.unlinkTx(ctx, tx, child)
			if err != nil {
				return nil, err
			}

			removed = append(removed, childRemoved...)
		}
	}

	if err := k.pipeline.BeforeDelete(ctx, n, tx); err != nil {
		return nil, err
	}

	if n.Type == TypeFile && n.ContentRef != "" {
		if err := tx.Collection(collContents).Delete(ctx, n.ContentRef); err != nil {
			return nil, wrapStorage("unlink: delete content", err)
		}
	}

	if err := tx.Collection(collVNodes).Delete(ctx, n.NodeID); err != nil {
		return nil, wrapStorage("unlink: delete node", err)
	}

	if err := k.pipeline.AfterDelete(ctx, n, tx); err != nil {
		return nil, err
	}

	removed = append(removed, n)

	return removed, nil
}
