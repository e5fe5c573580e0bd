// Package synclog implements the append-only per-node sync journal with
// operation coalescing (spec ยง4.k): at most one pending row exists per
// node at any time, per the coalescing table below.
package synclog

import (
	"context"
	"sort"

	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const collSyncLog = "sync_log"

// Operation is the kind of change a log entry records (spec ยง3.1).
type Operation string

// Operations (spec ยง3.1).
const (
	OpCreate         Operation = "create"
	OpUpdate         Operation = "update"
	OpDelete         Operation = "delete"
	OpMove           Operation = "move"
	OpCopy           Operation = "copy"
	OpTagAdd         Operation = "tag_add"
	OpTagRemove      Operation = "tag_remove"
	OpMetadataUpdate Operation = "metadata_update"
)

// Status is a log entry's lifecycle stage.
type Status string

// Statuses (spec ยง3.1).
const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// Entry is one row of the sync journal (spec ยง3.1).
type Entry struct {
	LogID        int64
	ModuleID     string
	NodeID       string
	Path         string
	Operation    Operation
	PreviousPath string
	Timestamp    int64
	Status       Status
	RetryCount   int
}

// Schemas returns the sync log's collection schema.
func Schemas() []storage.Schema {
	return []storage.Schema{
		{
			Name:          collSyncLog,
			KeyPath:       []string{"logId"},
			AutoIncrement: true,
			Indexes: []storage.IndexSchema{
				{Name: "nodeId", KeyPath: "nodeId"},
				{Name: "moduleId", KeyPath: "moduleId"},
				{Name: "status", KeyPath: "status"},
				{Name: "timestamp", KeyPath: "timestamp"},
			},
		},
	}
}

// Journal owns the pending/failed log rows over a storage adapter.
type Journal struct {
	adapter storage.Adapter
}

// New creates a Journal over adapter.
func New(adapter storage.Adapter) *Journal {
	return &Journal{adapter: adapter}
}

// Append records a change, coalescing it with any existing pending row
// for the same node per the table in spec ยง4.k. Once an entry leaves
// pending (status syncing), a new append inserts a fresh row rather than
// coalescing with it.
func (j *Journal) Append(ctx context.Context, moduleID, nodeID, path string, op Operation, previousPath string, timestamp int64) error {
	tx, err := j.adapter.BeginTx(ctx, []string{collSyncLog}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("append: begin transaction", err)
	}

	if err := j.appendTx(ctx, tx, moduleID, nodeID, path, op, previousPath, timestamp); err != nil {
		_ = tx.Abort(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "synclog: append: commit", err)
	}

	return nil
}

func (j *Journal) appendTx(ctx context.Context, tx storage.Transaction, moduleID, nodeID, path string, op Operation, previousPath string, timestamp int64) error {
	recs, err := tx.Collection(collSyncLog).GetAllByIndex(ctx, "nodeId", nodeID)
	if err != nil {
		return wrapStorage("append: query existing", err)
	}

	var pending *Entry

	for _, r := range recs {
		e := entryFromRecord(r)
		if e != nil && e.Status == StatusPending {
			pending = e
			break
		}
	}

	if pending == nil {
		entry := Entry{
			ModuleID:     moduleID,
			NodeID:       nodeID,
			Path:         path,
			Operation:    op,
			PreviousPath: previousPath,
			Timestamp:    timestamp,
			Status:       StatusPending,
		}

		return persist(ctx, tx, &entry)
	}

	switch {
	case pending.Operation == OpCreate && op == OpDelete:
		// create+delete nets to nothing: drop the pending row entirely.
		return tx.Collection(collSyncLog).Delete(ctx, pending.LogID)

	case op == OpMove:
		if pending.PreviousPath == "" {
			pending.PreviousPath = pending.Path
		}

		pending.Operation = OpMove
		pending.Path = path
		pending.Timestamp = timestamp

		return persist(ctx, tx, pending)

	default:
		// create+update -> keep create; update+update -> keep update;
		// anything else updates timestamp/path in place.
		pending.Path = path
		pending.Timestamp = timestamp

		return persist(ctx, tx, pending)
	}
}

// PendingLogs returns up to limit pending entries sorted by ascending
// timestamp (spec ยง4.k "getPendingLogs(limit)"). limit <= 0 means
// unlimited.
func (j *Journal) PendingLogs(ctx context.Context, limit int) ([]Entry, error) {
	tx, err := j.adapter.BeginTx(ctx, []string{collSyncLog}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("pendingLogs: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	recs, err := tx.Collection(collSyncLog).GetAllByIndex(ctx, "status", string(StatusPending))
	if err != nil {
		return nil, wrapStorage("pendingLogs: query", err)
	}

	entries := make([]Entry, 0, len(recs))

	for _, r := range recs {
		if e := entryFromRecord(r); e != nil {
			entries = append(entries, *e)
		}
	}

	sort.Slice(entries, func(i, k int) bool { return entries[i].Timestamp < entries[k].Timestamp })

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// MarkSyncing transitions entries to syncing status so a concurrent
// append starts a fresh pending row instead of coalescing.
func (j *Journal) MarkSyncing(ctx context.Context, logIDs []int64) error {
	return j.transition(ctx, logIDs, StatusSyncing, false)
}

// MarkAsSynced removes entries that completed a successful push (spec
// ยง4.k "markAsSynced(ids) removes them").
func (j *Journal) MarkAsSynced(ctx context.Context, logIDs []int64) error {
	tx, err := j.adapter.BeginTx(ctx, []string{collSyncLog}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("markAsSynced: begin transaction", err)
	}

	for _, id := range logIDs {
		if err := tx.Collection(collSyncLog).Delete(ctx, id); err != nil {
			_ = tx.Abort(ctx)
			return wrapStorage("markAsSynced: delete", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "synclog: markAsSynced: commit", err)
	}

	return nil
}

// MarkAsFailed moves entries to failed and increments their retry count
// (spec ยง4.k "markAsFailed(ids) moves them to failed and increments
// retry count").
func (j *Journal) MarkAsFailed(ctx context.Context, logIDs []int64) error {
	return j.transition(ctx, logIDs, StatusFailed, true)
}

func (j *Journal) transition(ctx context.Context, logIDs []int64, status Status, bumpRetry bool) error {
	tx, err := j.adapter.BeginTx(ctx, []string{collSyncLog}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("transition: begin transaction", err)
	}

	for _, id := range logIDs {
		rec, err := tx.Collection(collSyncLog).Get(ctx, id)
		if err != nil {
			_ = tx.Abort(ctx)
			return wrapStorage("transition: read", err)
		}

		e := entryFromRecord(rec)
		if e == nil {
			continue
		}

		e.Status = status
		if bumpRetry {
			e.RetryCount++
		}

		if err := persist(ctx, tx, e); err != nil {
			_ = tx.Abort(ctx)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "synclog: transition: commit", err)
	}

	return nil
}

func persist(ctx context.Context, tx storage.Transaction, e *Entry) error {
	if err := tx.Collection(collSyncLog).Put(ctx, e.toRecord()); err != nil {
		return wrapStorage("persist entry", err)
	}

	return nil
}

func (e *Entry) toRecord() map[string]any {
	return map[string]any{
		"logId":        e.LogID,
		"moduleId":     e.ModuleID,
		"nodeId":       e.NodeID,
		"path":         e.Path,
		"operation":    string(e.Operation),
		"previousPath": e.PreviousPath,
		"timestamp":    e.Timestamp,
		"status":       string(e.Status),
		"retryCount":   e.RetryCount,
	}
}

func entryFromRecord(rec any) *Entry {
	m, ok := rec.(map[string]any)
	if !ok {
		return nil
	}

	return &Entry{
		LogID:        asInt64(m["logId"]),
		ModuleID:     asString(m["moduleId"]),
		NodeID:       asString(m["nodeId"]),
		Path:         asString(m["path"]),
		Operation:    Operation(asString(m["operation"])),
		PreviousPath: asString(m["previousPath"]),
		Timestamp:    asInt64(m["timestamp"]),
		Status:       Status(asString(m["status"])),
		RetryCount:   asInt(m["retryCount"]),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
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
	return vaulterr.Wrap(vaulterr.KindStorage, "synclog: "+action, err)
}
