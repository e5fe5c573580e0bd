// Package conflict implements the conflict resolver (spec ยง4.n): vector
// clock comparison decides whether a remote change should apply, skip,
// or raise a conflict, and the chosen policy resolves the concurrent
// case. Unresolved conflicts are persisted for later manual resolution.
package conflict

import (
	"context"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const collConflicts = "sync_conflicts"

// Policy governs how a concurrent (neither ancestor nor descendant)
// vector-clock comparison auto-resolves (spec ยง4.n).
type Policy string

// Conflict policies.
const (
	PolicyServerWins Policy = "server-wins"
	PolicyClientWins Policy = "client-wins"
	PolicyNewerWins  Policy = "newer-wins"
	PolicyManual     Policy = "manual"
)

// Decision is the outcome of resolving one change.
type Decision int

// Possible decisions.
const (
	DecisionApply Decision = iota
	DecisionSkip
	DecisionConflict
)

// Side is a resolution choice for a persisted conflict's manual API.
type Side string

// Resolution sides (spec ยง4.n "Manual resolution API").
const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)

// LocalState is the local snapshot consulted when a remote change arrives.
type LocalState struct {
	NodeID     string
	ModifiedAt int64
	Clock      Clock
}

// RemoteChange is the incoming change under consideration.
type RemoteChange struct {
	NodeID    string
	Timestamp int64
	Clock     Clock
}

// Record is a persisted, possibly-unresolved conflict (spec ยง3.1 "Sync
// conflict").
type Record struct {
	ConflictID string
	NodeID     string
	Local      LocalState
	Remote     RemoteChange
	Resolved   bool
	Resolution Side
	CreatedAt  int64
}

// Schemas returns the conflict resolver's collection schema.
func Schemas() []storage.Schema {
	return []storage.Schema{
		{
			Name:    collConflicts,
			KeyPath: []string{"conflictId"},
			Indexes: []storage.IndexSchema{
				{Name: "nodeId", KeyPath: "nodeId"},
				{Name: "resolved", KeyPath: "resolved"},
			},
		},
	}
}

// Resolver applies Policy to concurrent changes and persists conflicts.
type Resolver struct {
	adapter storage.Adapter
	bus     *eventbus.Bus
	policy  Policy
	nowFn   func() int64
}

// New creates a Resolver bound to adapter, emitting sync.conflict events
// on bus for every concurrent comparison (spec ยง4.n "Emission of a
// sync:conflict event in all concurrent cases").
func New(adapter storage.Adapter, bus *eventbus.Bus, policy Policy, nowFn func() int64) *Resolver {
	return &Resolver{adapter: adapter, bus: bus, policy: policy, nowFn: nowFn}
}

// Resolve classifies local against remote and returns the decision,
// persisting a conflict record whenever the clocks are concurrent (spec
// ยง4.n). The record stays unresolved only under PolicyManual.
func (r *Resolver) Resolve(ctx context.Context, local LocalState, remote RemoteChange) (Decision, error) {
	switch Compare(local.Clock, remote.Clock) {
	case RelationEqual:
		return DecisionSkip, nil
	case RelationAncestor:
		return DecisionApply, nil
	case RelationDescendant:
		return DecisionSkip, nil
	}

	decision := r.applyPolicy(local, remote)

	if err := r.persistConflict(ctx, local, remote, decision); err != nil {
		return decision, err
	}

	r.bus.Emit(eventbus.Event{
		Type:      eventbus.SyncConflict,
		NodeID:    local.NodeID,
		Timestamp: r.nowFn(),
		Data:      map[string]any{"policy": string(r.policy)},
	})

	return decision, nil
}

func (r *Resolver) applyPolicy(local LocalState, remote RemoteChange) Decision {
	switch r.policy {
	case PolicyServerWins:
		return DecisionApply
	case PolicyClientWins:
		return DecisionSkip
	case PolicyNewerWins:
		if remote.Timestamp > local.ModifiedAt {
			return DecisionApply
		}

		return DecisionSkip
	default: // PolicyManual
		return DecisionSkip
	}
}

func (r *Resolver) persistConflict(ctx context.Context, local LocalState, remote RemoteChange, decision Decision) error {
	tx, err := r.adapter.BeginTx(ctx, []string{collConflicts}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("persistConflict: begin transaction", err)
	}

	rec := Record{
		ConflictID: ids.NewConflictID(),
		NodeID:     local.NodeID,
		Local:      local,
		Remote:     remote,
		Resolved:   decision != DecisionConflict && r.policy != PolicyManual,
		CreatedAt:  r.nowFn(),
	}

	if err := tx.Collection(collConflicts).Put(ctx, rec.toRecord()); err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("persistConflict: put", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "conflict: persistConflict: commit", err)
	}

	return nil
}

// PendingConflicts returns every unresolved conflict record.
func (r *Resolver) PendingConflicts(ctx context.Context) ([]Record, error) {
	tx, err := r.adapter.BeginTx(ctx, []string{collConflicts}, storage.ReadOnly)
	if err != nil {
		return nil, wrapStorage("pendingConflicts: begin transaction", err)
	}
	defer func() { _ = tx.Abort(ctx) }()

	recs, err := tx.Collection(collConflicts).GetAllByIndex(ctx, "resolved", false)
	if err != nil {
		return nil, wrapStorage("pendingConflicts: query", err)
	}

	out := make([]Record, 0, len(recs))

	for _, r := range recs {
		if rec := recordFromRecord(r); rec != nil {
			out = append(out, *rec)
		}
	}

	return out, nil
}

// ResolveManually marks a persisted conflict resolved with the chosen
// side (spec ยง4.n "Manual resolution API"). Callers that chose
// SideMerged or SideRemote are responsible for actually writing the
// bytes via the kernel before calling this; this only updates the
// record's bookkeeping.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID string, side Side) error {
	tx, err := r.adapter.BeginTx(ctx, []string{collConflicts}, storage.ReadWrite)
	if err != nil {
		return wrapStorage("resolveManually: begin transaction", err)
	}

	rec, err := tx.Collection(collConflicts).Get(ctx, conflictID)
	if err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("resolveManually: read", err)
	}

	c := recordFromRecord(rec)
	if c == nil {
		_ = tx.Abort(ctx)
		return vaulterr.NotFound("conflict", conflictID)
	}

	c.Resolved = true
	c.Resolution = side

	if err := tx.Collection(collConflicts).Put(ctx, c.toRecord()); err != nil {
		_ = tx.Abort(ctx)
		return wrapStorage("resolveManually: put", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "conflict: resolveManually: commit", err)
	}

	return nil
}

func (r *Record) toRecord() map[string]any {
	return map[string]any{
		"conflictId":      r.ConflictID,
		"nodeId":          r.NodeID,
		"localModifiedAt": r.Local.ModifiedAt,
		"localClock":      cloneClockMap(r.Local.Clock),
		"remoteTimestamp": r.Remote.Timestamp,
		"remoteClock":     cloneClockMap(r.Remote.Clock),
		"resolved":        r.Resolved,
		"resolution":      string(r.Resolution),
		"createdAt":       r.CreatedAt,
	}
}

func recordFromRecord(rec any) *Record {
	m, ok := rec.(map[string]any)
	if !ok {
		return nil
	}

	return &Record{
		ConflictID: asString(m["conflictId"]),
		NodeID:     asString(m["nodeId"]),
		Local:      LocalState{NodeID: asString(m["nodeId"]), ModifiedAt: asInt64(m["localModifiedAt"]), Clock: clockFromAny(m["localClock"])},
		Remote:     RemoteChange{NodeID: asString(m["nodeId"]), Timestamp: asInt64(m["remoteTimestamp"]), Clock: clockFromAny(m["remoteClock"])},
		Resolved:   asBool(m["resolved"]),
		Resolution: Side(asString(m["resolution"])),
		CreatedAt:  asInt64(m["createdAt"]),
	}
}

func cloneClockMap(c Clock) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = v
	}

	return out
}

func clockFromAny(v any) Clock {
	m, ok := v.(map[string]any)
	if !ok {
		return Clock{}
	}

	out := make(Clock, len(m))
	for k, val := range m {
		out[k] = asInt64(val)
	}

	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
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
	return vaulterr.Wrap(vaulterr.KindStorage, "conflict: "+action, err)
}
