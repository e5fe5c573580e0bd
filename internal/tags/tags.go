// Package tags implements the global tag table and node↔tag relation
// (spec ยง4.i): refcounted tags, idempotent add/remove, full-set diffing,
// and cleanup on node deletion driven by the kernel's event bus.
package tags

import (
	"context"
	"log/slog"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const (
	collTags     = "tags"
	collNodeTags = "node_tags"
)

// Schemas returns the tags subsystem's collection schemas, to be merged
// with the kernel's core schemas and registered before storage connects
// (spec ยง6.1).
func Schemas() []storage.Schema {
	return []storage.Schema{
		{
			Name:    collTags,
			KeyPath: []string{"name"},
			Indexes: []storage.IndexSchema{
				{Name: "refCount", KeyPath: "refCount"},
				{Name: "createdAt", KeyPath: "createdAt"},
			},
		},
		{
			Name:          collNodeTags,
			KeyPath:       []string{"id"},
			AutoIncrement: true,
			Indexes: []storage.IndexSchema{
				{Name: "nodeId", KeyPath: "nodeId"},
				{Name: "tagName", KeyPath: "tagName"},
				{Name: "nodeId_tagName", KeyPath: "nodeTagKey", Unique: true},
			},
		},
	}
}

// Tag is a global, refcounted tag record.
type Tag struct {
	Name        string
	Color       string
	RefCount    int
	IsProtected bool
	CreatedAt   int64
}

// Subsystem owns the tag table and node relations over a storage adapter.
// It subscribes to NodeDeleted so relations are cleaned up without the
// kernel knowing tags exist.
type Subsystem struct {
	adapter storage.Adapter
	bus     *eventbus.Bus
	logger  *slog.Logger
	nowFn   func() int64
}

// New creates a tag Subsystem and subscribes it to the bus's NodeDeleted
// event (spec ยง4.i "Node deletion triggers cleanupNodeTags").
func New(adapter storage.Adapter, bus *eventbus.Bus, logger *slog.Logger, nowFn func() int64) *Subsystem {
	s := &Subsystem{adapter: adapter, bus: bus, logger: logger, nowFn: nowFn}

	bus.Subscribe(eventbus.NodeDeleted, func(ev eventbus.Event) {
		if err := s.cleanupNodeTags(context.Background(), ev.NodeID); err != nil {
			logger.Warn("tags: cleanup after delete failed", "nodeId", ev.NodeID, "error", err)
		}
	})

	return s
}

func nodeTagKey(nodeID, tagName string) string {
	return nodeID + "\x00" + tagName
}

// AddTagToNode ensures the global tag row exists, inserts the relation if
// absent, and increments refCount (spec ยง4.i).
func (s *Subsystem) AddTagToNode(ctx context.Context, nodeID, tagName string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("addTagToNode: begin transaction", err)
	}

	if err := s.addTagToNodeTx(ctx, tx, nodeID, tagName); err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: addTagToNode: commit", err)
	}

	return nil
}

func (s *Subsystem) addTagToNodeTx(ctx context.Context, tx storage.Transaction, nodeID, tagName string) error {
	tag, err := s.getOrCreateTagTx(ctx, tx, tagName)
	if err != nil {
		return err
	}

	key := nodeTagKey(nodeID, tagName)

	existing, err := tx.Collection(collNodeTags).GetByIndex(ctx, "nodeId_tagName", key)
	if err != nil {
		return wrapStorage("addTagToNode: lookup relation", err)
	}

	if existing != nil {
		return nil
	}

	if err := tx.Collection(collNodeTags).Put(ctx, map[string]any{
		"nodeId":     nodeID,
		"tagName":    tagName,
		"nodeTagKey": key,
	}); err != nil {
		return wrapStorage("addTagToNode: insert relation", err)
	}

	tag.RefCount++

	return s.putTagTx(ctx, tx, tag)
}

// RemoveTagFromNode deletes all matching relations for (nodeId, tagName)
// and clamps refCount to zero from below (spec ยง4.i).
func (s *Subsystem) RemoveTagFromNode(ctx context.Context, nodeID, tagName string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("removeTagFromNode: begin transaction", err)
	}

	if err := s.removeTagFromNodeTx(ctx, tx, nodeID, tagName); err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: removeTagFromNode: commit", err)
	}

	return nil
}

func (s *Subsystem) removeTagFromNodeTx(ctx context.Context, tx storage.Transaction, nodeID, tagName string) error {
	key := nodeTagKey(nodeID, tagName)

	existing, err := tx.Collection(collNodeTags).GetByIndex(ctx, "nodeId_tagName", key)
	if err != nil {
		return wrapStorage("removeTagFromNode: lookup relation", err)
	}

	if existing == nil {
		return nil
	}

	rel, _ := existing.(map[string]any)

	id := rel["id"]
	if id == nil {
		return nil
	}

	if err := tx.Collection(collNodeTags).Delete(ctx, id); err != nil {
		return wrapStorage("removeTagFromNode: delete relation", err)
	}

	tagRec, err := tx.Collection(collTags).Get(ctx, tagName)
	if err != nil {
		return wrapStorage("removeTagFromNode: read tag", err)
	}

	tag := tagFromRecord(tagRec)
	if tag == nil {
		return nil
	}

	if tag.RefCount > 0 {
		tag.RefCount--
	}

	return s.putTagTx(ctx, tx, tag)
}

// SetNodeTags diffs the node's current tag set against target and issues
// the necessary add/remove operations in one transaction (spec ยง4.i).
func (s *Subsystem) SetNodeTags(ctx context.Context, nodeID string, target []string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("setNodeTags: begin transaction", err)
	}

	if err := s.setNodeTagsTx(ctx, tx, nodeID, target); err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: setNodeTags: commit", err)
	}

	return nil
}

func (s *Subsystem) setNodeTagsTx(ctx context.Context, tx storage.Transaction, nodeID string, target []string) error {
	current, err := s.nodeTagsTx(ctx, tx, nodeID)
	if err != nil {
		return err
	}

	currentSet := make(map[string]bool, len(current))
	for _, t := range current {
		currentSet[t] = true
	}

	targetSet := make(map[string]bool, len(target))
	for _, t := range target {
		targetSet[t] = true
	}

	for name := range targetSet {
		if !currentSet[name] {
			if err := s.addTagToNodeTx(ctx, tx, nodeID, name); err != nil {
				return err
			}
		}
	}

	for name := range currentSet {
		if !targetSet[name] {
			if err := s.removeTagFromNodeTx(ctx, tx, nodeID, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// BatchSetTags wraps multiple SetNodeTags calls in a single transaction
// (spec ยง4.i).
func (s *Subsystem) BatchSetTags(ctx context.Context, updates map[string][]string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("batchSetTags: begin transaction", err)
	}

	for nodeID, target := range updates {
		if err := s.setNodeTagsTx(ctx, tx, nodeID, target); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: batchSetTags: commit", err)
	}

	return nil
}

// DeleteTag removes the global tag row and every relation, rejecting
// protected tags (spec ยง4.i).
func (s *Subsystem) DeleteTag(ctx context.Context, name string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("deleteTag: begin transaction", err)
	}

	rec, err := tx.Collection(collTags).Get(ctx, name)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("deleteTag: read tag", err)
	}

	tag := tagFromRecord(rec)
	if tag == nil {
		_ = tx.Abort(ctx)
		return vaulterr.NotFound("tag", name)
	}

	if tag.IsProtected {
		_ = tx.Abort(ctx)
		return vaulterr.InvalidOperation("deleteTag: tag is protected")
	}

	relations, err := tx.Collection(collNodeTags).GetAllByIndex(ctx, "tagName", name)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("deleteTag: list relations", err)
	}

	for _, r := range relations {
		rel, _ := r.(map[string]any)
		if id := rel["id"]; id != nil {
			if err := tx.Collection(collNodeTags).Delete(ctx, id); err != nil {
				_ = tx.Abort(ctx)
				return wrapStorage("deleteTag: delete relation", err)
			}
		}
	}

	if err := tx.Collection(collTags).Delete(ctx, name); err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("deleteTag: delete tag row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: deleteTag: commit", err)
	}

	return nil
}

// RenameTag moves the global tag row and every relation from oldName to
// newName in one transaction. Fails if oldName does not exist, newName is
// already taken, or oldName is protected.
func (s *Subsystem) RenameTag(ctx context.Context, oldName, newName string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("renameTag: begin transaction", err)
	}

	rec, err := tx.Collection(collTags).Get(ctx, oldName)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("renameTag: read tag", err)
	}

	tag := tagFromRecord(rec)
	if tag == nil {
		_ = tx.Abort(ctx)
		return vaulterr.NotFound("tag", oldName)
	}

	if tag.IsProtected {
		_ = tx.Abort(ctx)
		return vaulterr.InvalidOperation("renameTag: tag is protected")
	}

	existing, err := tx.Collection(collTags).Get(ctx, newName)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("renameTag: check target name", err)
	}

	if existing != nil {
		_ = tx.Abort(ctx)
		return vaulterr.AlreadyExists("tag:" + newName)
	}

	relations, err := tx.Collection(collNodeTags).GetAllByIndex(ctx, "tagName", oldName)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("renameTag: list relations", err)
	}

	for _, r := range relations {
		rel, _ := r.(map[string]any)

		id := rel["id"]
		nodeID := asString(rel["nodeId"])
		if id == nil {
			continue
		}

		if err := tx.Collection(collNodeTags).Delete(ctx, id); err != nil {
			_ = tx.Abort(ctx)
			return wrapStorage("renameTag: delete old relation", err)
		}

		if err := tx.Collection(collNodeTags).Put(ctx, map[string]any{
			"nodeId":     nodeID,
			"tagName":    newName,
			"nodeTagKey": nodeTagKey(nodeID, newName),
		}); err != nil {
			_ = tx.Abort(ctx)
			return wrapStorage("renameTag: insert new relation", err)
		}
	}

	tag.Name = newName

	if err := tx.Collection(collTags).Put(ctx, tag.toRecord()); err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("renameTag: insert renamed tag", err)
	}

	if err := tx.Collection(collTags).Delete(ctx, oldName); err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("renameTag: delete old tag row", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: renameTag: commit", err)
	}

	return nil
}

// NodeTags returns the tag names attached to a node, in the order the
// node's relation records are returned; the names are not sorted.
func (s *Subsystem) NodeTags(ctx context.Context, nodeID string) ([]string, error) {
	tx, err := s.adapter.BeginTx(ctx, []string{collNodeTags}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("nodeTags: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	return s.nodeTagsTx(ctx, tx, nodeID)
}

func (s *Subsystem) nodeTagsTx(ctx context.Context, tx storage.Transaction, nodeID string) ([]string, error) {
	recs, err := tx.Collection(collNodeTags).GetAllByIndex(ctx, "nodeId", nodeID)
	if err != nil {
		return nil, wrapStorage("nodeTags: query relations", err)
	}

	names := make([]string, 0, len(recs))

	for _, r := range recs {
		rel, _ := r.(map[string]any)
		if name, ok := rel["tagName"].(string); ok {
			names = append(names, name)
		}
	}

	return names, nil
}

// cleanupNodeTags removes every relation for nodeID and decrements the
// corresponding tag refcounts (spec ยง4.i "cleanupNodeTags").
func (s *Subsystem) cleanupNodeTags(ctx context.Context, nodeID string) error {
	tx, err := s.adapter.BeginTx(ctx, []string{collTags, collNodeTags}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("cleanupNodeTags: begin transaction", err)
	}

	names, err := s.nodeTagsTx(ctx, tx, nodeID)
	if err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	for _, name := range names {
		if err := s.removeTagFromNodeTx(ctx, tx, nodeID, name); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "tags: cleanupNodeTags: commit", err)
	}

	return nil
}

func (s *Subsystem) getOrCreateTagTx(ctx context.Context, tx storage.Transaction, name string) (*Tag, error) {
	rec, err := tx.Collection(collTags).Get(ctx, name)
	if err != nil {
		return nil, wrapStorage("read tag", err)
	}

	if tag := tagFromRecord(rec); tag != nil {
		return tag, nil
	}

	tag := &Tag{Name: name, RefCount: 0, IsProtected: false, CreatedAt: s.nowFn()}

	return tag, nil
}

func (s *Subsystem) putTagTx(ctx context.Context, tx storage.Transaction, tag *Tag) error {
	if err := tx.Collection(collTags).Put(ctx, tag.toRecord()); err != nil {
		return wrapStorage("persist tag", err)
	}

	return nil
}

func (t *Tag) toRecord() map[string]any {
	return map[string]any{
		"name":        t.Name,
		"color":       t.Color,
		"refCount":    t.RefCount,
		"isProtected": t.IsProtected,
		"createdAt":   t.CreatedAt,
	}
}

func tagFromRecord(rec any) *Tag {
	m, ok := rec.(map[string]any)
	if !ok {
		return nil
	}

	return &Tag{
		Name:        asString(m["name"]),
		Color:       asString(m["color"]),
		RefCount:    asInt(m["refCount"]),
		IsProtected: asBool(m["isProtected"]),
		CreatedAt:   asInt64(m["createdAt"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
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

func wrapStorage(action string, err error) error {
	return vaulterr.Wrap(vaulterr.KindStorage, "tags: "+action, err)
}
