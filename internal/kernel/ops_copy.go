package kernel

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Copy duplicates a node and, for a directory, its full subtree, under
// destPath (spec ยง4.e). Every copied node gets a fresh nodeId; file blobs
// get a fresh contentRef so the copy and the original never alias the same
// content record. Module and asset-owner metadata (keys "assetDirId" and
// "ownerId") is stripped: a copy starts life as a plain node, not as
// another module's asset.
func (k *Kernel) Copy(ctx context.Context, nodeID, destPath string) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	destPath = pathutil.Normalize(destPath)

	if !pathutil.IsValid(destPath) {
		return nil, vaulterr.InvalidPath(destPath, "malformed path")
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes, collContents}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("copy: begin transaction", err)
	}

	copies, err := k.copyTx(ctx, tx, nodeID, destPath)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: copy: commit", err)
	}

	for _, c := range copies {
		k.emit(eventbus.NodeCopied, c.node, map[string]any{"sourceId": c.sourceID})
	}

	return copies[0].node, nil
}

type copyResult struct {
	node     *VNode
	sourceID string
}

func (k *Kernel) copyTx(ctx context.Context, tx storage.Transaction, sourceID, destPath string) ([]copyResult, error) {
	src, err := getNodeTx(ctx, tx, sourceID)
	if err != nil {
		return nil, err
	}

	if existing, _ := getNodeByPathTx(ctx, tx, destPath); existing != nil {
		return nil, vaulterr.AlreadyExists(destPath)
	}

	destParentPath := pathutil.Dirname(destPath)

	destParent, err := getNodeByPathTx(ctx, tx, destParentPath)
	if err != nil {
		return nil, err
	}

	if destParent == nil {
		return nil, vaulterr.NotFound("parent", destParentPath)
	}

	if destParent.Type != TypeDirectory {
		return nil, vaulterr.InvalidOperation("copy: destination parent is not a directory")
	}

	return k.copyNodeRecursive(ctx, tx, src, destParent.NodeID, destPath)
}

func (k *Kernel) copyNodeRecursive(ctx context.Context, tx storage.Transaction, src *VNode, destParentID, destPath string) ([]copyResult, error) {
	now := nowMillis()

	dst := &VNode{
		NodeID:     ids.NewNodeID(),
		ParentID:   destParentID,
		Name:       pathutil.Basename(destPath),
		Type:       src.Type,
		Path:       destPath,
		CreatedAt:  now,
		ModifiedAt: now,
		Metadata:   stripCopyMetadata(src.Metadata),
	}

	if src.Type == TypeFile && src.ContentRef != "" {
		data, err := readContentTx(ctx, tx, src)
		if err != nil {
			return nil, err
		}

		ref, rec := newContentRecord(dst.NodeID, data)
		if err := tx.Collection(collContents).Put(ctx, rec); err != nil {
			return nil, wrapStorage("copy: persist content", err)
		}

		dst.ContentRef = ref
		dst.Size = int64(len(data))
	}

	if err := tx.Collection(collVNodes).Put(ctx, dst.toRecord()); err != nil {
		return nil, wrapStorage("copy: persist node", err)
	}

	if err := k.pipeline.AfterCopy(ctx, dst, src.NodeID, tx); err != nil {
		return nil, err
	}

	results := []copyResult{{node: dst, sourceID: src.NodeID}}

	if src.Type != TypeDirectory {
		return results, nil
	}

	children, err := tx.Collection(collVNodes).GetAllByIndex(ctx, "parentId", src.NodeID)
	if err != nil {
		return nil, wrapStorage("copy: list children", err)
	}

	for _, rec := range children {
		child := nodeFromRecord(rec)
		if child == nil {
			continue
		}

		childResults, err := k.copyNodeRecursive(ctx, tx, child, dst.NodeID, pathutil.Join(destPath, child.Name))
		if err != nil {
			return nil, err
		}

		results = append(results, childResults...)
	}

	return results, nil
}

// stripCopyMetadata drops the asset back-pointer keys so a copy does not
// silently become part of another node's asset directory (spec ยง4.f).
func stripCopyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))

	for k, v := range m {
		if k == "assetDirId" || k == "ownerId" {
			continue
		}

		out[k] = v
	}

	return out
}
