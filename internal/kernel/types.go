// Package kernel implements the ordered, path-indexed node graph, its
// transactional write pipeline, and the content-addressed blob store
// (spec ยง4.e). It is the core around which every extension (tags, assets,
// sync, providers) is built, but it knows nothing about any of them: it
// exposes an event bus and a narrow Pipeline hook so extensions can
// participate without the kernel importing them.
package kernel

import (
	"encoding/base64"

	"github.com/vaultfs/vaultfs/internal/ids"
)

// NodeType distinguishes files from directories.
type NodeType string

// Node types (spec ยง3.1).
const (
	TypeFile      NodeType = "file"
	TypeDirectory NodeType = "directory"
)

// VNode is a node in the tree (spec ยง3.1).
type VNode struct {
	NodeID     string
	ParentID   string // "" iff Path == "/"
	Name       string
	Type       NodeType
	Path       string
	ContentRef string // "" for directories
	Size       int64
	CreatedAt  int64 // epoch ms
	ModifiedAt int64 // epoch ms
	Metadata   map[string]any
}

// Clone returns a deep copy so callers can mutate without aliasing
// kernel-owned state.
func (n *VNode) Clone() *VNode {
	if n == nil {
		return nil
	}

	c := *n
	c.Metadata = cloneMetadata(n.Metadata)

	return &c
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// IsRoot reports whether n is the tree root.
func (n *VNode) IsRoot() bool {
	return n.Path == "/"
}

// toRecord converts a VNode to the map[string]any shape stored in the
// "vnodes" collection.
func (n *VNode) toRecord() map[string]any {
	return map[string]any{
		"nodeId":     n.NodeID,
		"parentId":   n.ParentID,
		"name":       n.Name,
		"type":       string(n.Type),
		"path":       n.Path,
		"contentRef": n.ContentRef,
		"size":       n.Size,
		"createdAt":  n.CreatedAt,
		"modifiedAt": n.ModifiedAt,
		"metadata":   metadataOrEmpty(n.Metadata),
	}
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

// nodeFromRecord converts a stored record back into a *VNode. Returns nil
// for a nil record (e.g. a missed Get).
func nodeFromRecord(rec any) *VNode {
	if rec == nil {
		return nil
	}

	m, ok := rec.(map[string]any)
	if !ok {
		return nil
	}

	meta, _ := m["metadata"].(map[string]any)

	return &VNode{
		NodeID:     asString(m["nodeId"]),
		ParentID:   asString(m["parentId"]),
		Name:       asString(m["name"]),
		Type:       NodeType(asString(m["type"])),
		Path:       asString(m["path"]),
		ContentRef: asString(m["contentRef"]),
		Size:       asInt64(m["size"]),
		CreatedAt:  asInt64(m["createdAt"]),
		ModifiedAt: asInt64(m["modifiedAt"]),
		Metadata:   meta,
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// contentRecord is the shape stored in the "contents" collection. Bytes
// are base64-encoded explicitly so the record survives a JSON round trip
// identically whether the backing adapter is in-memory or SQLite (spec
// ยง6.1's generic collections have no native byte-string type).
type contentRecord struct {
	ContentRef string
	NodeID     string
	DataB64    string
}

func (c contentRecord) toRecordMap() map[string]any {
	return map[string]any{
		"contentRef": c.ContentRef,
		"nodeId":     c.NodeID,
		"data":       c.DataB64,
	}
}

func contentFromRecord(rec any) ([]byte, bool) {
	m, ok := rec.(map[string]any)
	if !ok {
		return nil, false
	}

	b64, _ := m["data"].(string)
	if b64 == "" {
		return []byte{}, true
	}

	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, false
	}

	return data, true
}

func newContentRecord(nodeID string, data []byte) (string, map[string]any) {
	ref := ids.NewContentRef()
	rec := contentRecord{ContentRef: ref, NodeID: nodeID, DataB64: base64.StdEncoding.EncodeToString(data)}

	return ref, rec.toRecordMap()
}
