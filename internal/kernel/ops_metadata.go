package kernel

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// SetMetadata replaces a node's metadata map wholesale. Used by
// extensions (asset back-pointers, sync control keys) that need to
// update metadata without touching content or path. Emits NodeUpdated
// like any other mutation, since the node's modifiedAt changes.
func (k *Kernel) SetMetadata(ctx context.Context, nodeID string, metadata map[string]any) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("setMetadata: begin transaction", err)
	}

	n, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	n.Metadata = metadata
	n.ModifiedAt = nowMillis()

	if err := tx.Collection(collVNodes).Put(ctx, n.toRecord()); err != nil {
		_ = tx.Abort(ctx)
		return nil, wrapStorage("setMetadata: persist node", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: setMetadata: commit", err)
	}

	k.emit(eventbus.NodeUpdated, n, map[string]any{"metadataOnly": true})

	return n, nil
}
