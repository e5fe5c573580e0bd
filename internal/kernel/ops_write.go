package kernel

import (
	"context"
	"encoding/base64"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// CreateNode creates a new file or directory at path (spec ยง4.e). content
// is ignored for directories. Runs the full provider pipeline: validate,
// beforeWrite (files only), persist, afterWrite, then emits NodeCreated.
func (k *Kernel) CreateNode(ctx context.Context, path string, nodeType NodeType, content []byte, metadata map[string]any) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	path = pathutil.Normalize(path)

	if !pathutil.IsValid(path) {
		return nil, vaulterr.InvalidPath(path, "malformed path")
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes, collContents}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("createNode: begin transaction", err)
	}

	n, derived, commitErr := k.createNodeTx(ctx, tx, path, nodeType, content, metadata)
	if commitErr != nil {
		_ = tx.Abort(ctx)
		return nil, commitErr
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: createNode: commit", err)
	}

	k.emit(eventbus.NodeCreated, n, map[string]any{"derivedData": derived})

	return n, nil
}

func (k *Kernel) createNodeTx(
	ctx context.Context, tx storage.Transaction, path string, nodeType NodeType, content []byte, metadata map[string]any,
) (*VNode, map[string]any, error) {
	if existing, _ := getNodeByPathTx(ctx, tx, path); existing != nil {
		return nil, nil, vaulterr.AlreadyExists(path)
	}

	parentPath := pathutil.Dirname(path)

	parent, err := getNodeByPathTx(ctx, tx, parentPath)
	if err != nil {
		return nil, nil, err
	}

	if parent == nil {
		return nil, nil, vaulterr.NotFound("parent", parentPath)
	}

	if parent.Type != TypeDirectory {
		return nil, nil, vaulterr.InvalidOperation("createNode: parent is not a directory")
	}

	now := nowMillis()
	n := &VNode{
		NodeID:     ids.NewNodeID(),
		ParentID:   parent.NodeID,
		Name:       pathutil.Basename(path),
		Type:       nodeType,
		Path:       path,
		CreatedAt:  now,
		ModifiedAt: now,
		Metadata:   metadata,
	}

	if content == nil {
		content = []byte{}
	}

	var derived map[string]any

	if nodeType == TypeFile {
		if err := k.pipeline.Validate(ctx, n, content); err != nil {
			return nil, nil, err
		}

		rewritten, err := k.pipeline.BeforeWrite(ctx, n, content, tx)
		if err != nil {
			return nil, nil, err
		}

		content = rewritten

		ref, rec := newContentRecord(n.NodeID, content)
		if err := tx.Collection(collContents).Put(ctx, rec); err != nil {
			return nil, nil, wrapStorage("createNode: persist content", err)
		}

		n.ContentRef = ref
		n.Size = int64(len(content))

		derived, err = k.pipeline.AfterWrite(ctx, n, content, tx)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Collection(collVNodes).Put(ctx, n.toRecord()); err != nil {
		return nil, nil, wrapStorage("createNode: persist node", err)
	}

	return n, derived, nil
}

// EnsureDirectory creates every missing ancestor directory of path and
// returns the final directory node, idempotently.
func (k *Kernel) EnsureDirectory(ctx context.Context, path string) (*VNode, error) {
	path = pathutil.Normalize(path)

	if existing, err := k.GetNodeByPath(ctx, path); err == nil {
		return existing, nil
	} else if !vaulterr.IsNotFound(err) {
		return nil, err
	}

	if path == pathutil.Root {
		return k.GetNodeByPath(ctx, pathutil.Root)
	}

	if _, err := k.EnsureDirectory(ctx, pathutil.Dirname(path)); err != nil {
		return nil, err
	}

	return k.CreateNode(ctx, path, TypeDirectory, nil, nil)
}

// CreateNodeIfNotExists creates the node at path unless it already exists,
// in which case the existing node is returned unchanged.
func (k *Kernel) CreateNodeIfNotExists(ctx context.Context, path string, nodeType NodeType, content []byte, metadata map[string]any) (*VNode, error) {
	existing, err := k.GetNodeByPath(ctx, path)
	if err == nil {
		return existing, nil
	}

	if !vaulterr.IsNotFound(err) {
		return nil, err
	}

	return k.CreateNode(ctx, path, nodeType, content, metadata)
}

// Write replaces a file node's content. The node's contentRef is stable
// across writes (spec ยง3.1): the blob payload is replaced in place.
func (k *Kernel) Write(ctx context.Context, nodeID string, content []byte) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes, collContents}, storage.ReadWrite)
	if err != nil {
		return nil, wrapStorage("write: begin transaction", err)
	}

	n, derived, err := k.writeTx(ctx, tx, nodeID, content)
	if err != nil {
		_ = tx.Abort(ctx)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: write: commit", err)
	}

	k.emit(eventbus.NodeUpdated, n, map[string]any{"derivedData": derived})

	return n, nil
}

func (k *Kernel) writeTx(ctx context.Context, tx storage.Transaction, nodeID string, content []byte) (*VNode, map[string]any, error) {
	n, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, nil, err
	}

	if n.Type != TypeFile {
		return nil, nil, vaulterr.InvalidOperation("write: node is a directory")
	}

	if content == nil {
		content = []byte{}
	}

	if err := k.pipeline.Validate(ctx, n, content); err != nil {
		return nil, nil, err
	}

	rewritten, err := k.pipeline.BeforeWrite(ctx, n, content, tx)
	if err != nil {
		return nil, nil, err
	}

	content = rewritten

	var ref string
	if n.ContentRef == "" {
		ref = ids.NewContentRef()
	} else {
		ref = n.ContentRef
	}

	rec := contentRecord{ContentRef: ref, NodeID: n.NodeID, DataB64: base64.StdEncoding.EncodeToString(content)}
	if err := tx.Collection(collContents).Put(ctx, rec.toRecordMap()); err != nil {
		return nil, nil, wrapStorage("write: persist content", err)
	}

	n.ContentRef = ref
	n.Size = int64(len(content))
	n.ModifiedAt = nowMillis()

	derived, err := k.pipeline.AfterWrite(ctx, n, content, tx)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Collection(collVNodes).Put(ctx, n.toRecord()); err != nil {
		return nil, nil, wrapStorage("write: persist node", err)
	}

	return n, derived, nil
}
