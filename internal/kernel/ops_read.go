package kernel

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// GetNode fetches a node by ID.
func (k *Kernel) GetNode(ctx context.Context, nodeID string) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("getNode: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	rec, err := tx.Collection(collVNodes).Get(ctx, nodeID)
	if err != nil {
		return nil, wrapStorage("getNode: read", err)
	}

	n := nodeFromRecord(rec)
	if n == nil {
		return nil, vaulterr.NotFound("node", nodeID)
	}

	return n, nil
}

// GetNodeByPath fetches a node by its normalized path.
func (k *Kernel) GetNodeByPath(ctx context.Context, path string) (*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	path = pathutil.Normalize(path)

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("getNodeByPath: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	rec, err := tx.Collection(collVNodes).GetByIndex(ctx, "path", path)
	if err != nil {
		return nil, wrapStorage("getNodeByPath: read", err)
	}

	n := nodeFromRecord(rec)
	if n == nil {
		return nil, vaulterr.NotFound("path", path)
	}

	return n, nil
}

// ResolvePathToID returns the nodeId for path, or a NotFound error.
func (k *Kernel) ResolvePathToID(ctx context.Context, path string) (string, error) {
	n, err := k.GetNodeByPath(ctx, path)
	if err != nil {
		return "", err
	}

	return n.NodeID, nil
}

// Exists reports whether path resolves to a node.
func (k *Kernel) Exists(ctx context.Context, path string) (bool, error) {
	_, err := k.GetNodeByPath(ctx, path)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// Readdir lists the direct children of a directory node.
func (k *Kernel) Readdir(ctx context.Context, nodeID string) ([]*VNode, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("readdir: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	parent, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}

	if parent.Type != TypeDirectory {
		return nil, vaulterr.InvalidOperation("readdir: node is not a directory")
	}

	recs, err := tx.Collection(collVNodes).GetAllByIndex(ctx, "parentId", nodeID)
	if err != nil {
		return nil, wrapStorage("readdir: query children", err)
	}

	children := make([]*VNode, 0, len(recs))
	for _, r := range recs {
		children = append(children, nodeFromRecord(r))
	}

	return children, nil
}

// Read returns a file node's content bytes. Returns empty bytes (no error)
// for a freshly created, never-written file.
func (k *Kernel) Read(ctx context.Context, nodeID string) ([]byte, error) {
	if err := k.requireInitialized(); err != nil {
		return nil, err
	}

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes, collContents}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("read: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	n, err := getNodeTx(ctx, tx, nodeID)
	if err != nil {
		return nil, err
	}

	if n.Type != TypeFile {
		return nil, vaulterr.InvalidOperation("read: node is a directory")
	}

	data, err := readContentTx(ctx, tx, n)
	if err != nil {
		return nil, err
	}

	if err := k.pipeline.AfterRead(ctx, n, data); err != nil {
		k.logger.Warn("afterRead hook failed", "nodeId", nodeID, "error", err)
	}

	return data, nil
}

func readContentTx(ctx context.Context, tx storage.Transaction, n *VNode) ([]byte, error) {
	if n.ContentRef == "" {
		return []byte{}, nil
	}

	rec, err := tx.Collection(collContents).Get(ctx, n.ContentRef)
	if err != nil {
		return nil, wrapStorage("read content", err)
	}

	data, ok := contentFromRecord(rec)
	if !ok {
		return []byte{}, nil
	}

	return data, nil
}

// getNodeTx fetches a node within an already-open transaction.
func getNodeTx(ctx context.Context, tx storage.Transaction, nodeID string) (*VNode, error) {
	rec, err := tx.Collection(collVNodes).Get(ctx, nodeID)
	if err != nil {
		return nil, wrapStorage("read node", err)
	}

	n := nodeFromRecord(rec)
	if n == nil {
		return nil, vaulterr.NotFound("node", nodeID)
	}

	return n, nil
}

func getNodeByPathTx(ctx context.Context, tx storage.Transaction, path string) (*VNode, error) {
	rec, err := tx.Collection(collVNodes).GetByIndex(ctx, "path", path)
	if err != nil {
		return nil, wrapStorage("read node by path", err)
	}

	return nodeFromRecord(rec), nil
}
