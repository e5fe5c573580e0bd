// Package syncexec implements the sync executor (spec ยง4.p): the push
// and receive state machine that wires the scheduler, packet builder,
// chunk manager, conflict resolver, and transport into one sync cycle.
package syncexec

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sort"
	"sync"

	"github.com/vaultfs/vaultfs/internal/chunk"
	"github.com/vaultfs/vaultfs/internal/conflict"
	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/packet"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/synclog"
	"github.com/vaultfs/vaultfs/internal/syncstate"
	"github.com/vaultfs/vaultfs/internal/transport"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// State is the executor's top-level status (spec ยง4.p).
type State string

// Executor states.
const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateOffline  State = "offline"
)

// Phase identifies which part of a sync cycle is in progress.
type Phase string

// Progress phases.
const (
	PhasePreparing   Phase = "preparing"
	PhaseUploading   Phase = "uploading"
	PhaseDownloading Phase = "downloading"
	PhaseApplying    Phase = "applying"
	PhaseFinalizing  Phase = "finalizing"
)

// Progress reports a sync cycle's status to observers (e.g. a CLI
// progress bar).
type Progress struct {
	Phase            Phase
	Current          int
	Total            int
	BytesTransferred int64
	BytesTotal       int64
}

// ProgressFunc receives Progress updates. May be nil.
type ProgressFunc func(Progress)

const internalSyncKeyVersion = "_sync_v"
const internalSyncKeyClock = "_sync_vc"
const internalSyncKeyTime = "_sync_time"
const internalSyncKeyOrigin = "_sync_origin"
const internalSyncKeyAutoCreated = "_sync_auto_created"

// Executor runs push and receive cycles against one peer.
type Executor struct {
	k         *kernel.Kernel
	modules   *module.Manager
	journal   *synclog.Journal
	chunks    *chunk.Manager
	conflicts *conflict.Resolver
	state     *syncstate.Store
	recorder  *Recorder
	builder   *packet.Builder
	transport *transport.Transport

	peerID    string
	batchSize int
	nowFn     func() int64
	logger    *slog.Logger

	onProgress ProgressFunc

	mu     sync.Mutex
	status State
}

// Config bundles everything an Executor needs.
type Config struct {
	Kernel    *kernel.Kernel
	Modules   *module.Manager
	Journal   *synclog.Journal
	Chunks    *chunk.Manager
	Conflicts *conflict.Resolver
	State     *syncstate.Store
	Recorder  *Recorder
	Builder   *packet.Builder
	Transport *transport.Transport
	PeerID    string
	BatchSize int
	NowFn     func() int64
	Logger    *slog.Logger
	OnProgress ProgressFunc
}

// New creates an Executor and wires it as the transport's onPacket
// callback (the transport calls ApplyPacket for every inbound packet).
func New(cfg Config) *Executor {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	e := &Executor{
		k:          cfg.Kernel,
		modules:    cfg.Modules,
		journal:    cfg.Journal,
		chunks:     cfg.Chunks,
		conflicts:  cfg.Conflicts,
		state:      cfg.State,
		recorder:   cfg.Recorder,
		builder:    cfg.Builder,
		transport:  cfg.Transport,
		peerID:     cfg.PeerID,
		batchSize:  batchSize,
		nowFn:      cfg.NowFn,
		logger:     cfg.Logger,
		onProgress: cfg.OnProgress,
		status:     StateIdle,
	}

	if e.transport != nil {
		e.transport.SetOnPacket(e.ApplyPacket)
		e.transport.SetOnChunkReceived(e.storeReceivedChunk)
		e.transport.SetOnReconnectExhausted(e.onReconnectExhausted)
	}

	return e
}

// onReconnectExhausted runs when the transport gives up reconnecting
// after MaxReconnectAttempts (spec ยง4.q "exhaustion transitions sync
// state to error with retryable=true, leaving pending logs intact").
// The in-memory State() flips immediately for this process; the same
// fact is persisted via syncstate so a later "sync status" invocation,
// which constructs its own Executor, still sees the failure.
func (e *Executor) onReconnectExhausted(lastErr error) {
	e.setState(StateError)

	if e.state == nil {
		return
	}

	if err := e.state.SaveConnectionError(context.Background(), e.peerID, lastErr, true, e.nowFn()); err != nil {
		e.logger.Warn("syncexec: failed to persist reconnect-exhausted state", "peerId", e.peerID, "error", err)
	}
}

func (e *Executor) storeReceivedChunk(ctx context.Context, header transport.ChunkHeader, data []byte) error {
	return e.chunks.PutChunk(ctx, chunk.Chunk{
		ChunkID:     ids.ChunkID(header.ContentHash, header.Index),
		ContentHash: header.ContentHash,
		Index:       header.Index,
		TotalChunks: header.TotalChunks,
		Size:        len(data),
		Checksum:    header.Checksum,
		Data:        data,
	})
}

// State returns the executor's current status.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

func (e *Executor) report(p Progress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// Run performs one full sync cycle: push pending local changes, then
// the transport's onPacket callback (wired to ApplyPacket) handles
// whatever the peer pushes back. Intended as the scheduler's SyncFunc.
func (e *Executor) Run(ctx context.Context) error {
	if e.State() == StatePaused {
		return nil
	}

	e.setState(StateSyncing)

	err := e.Push(ctx)

	if err != nil {
		e.setState(StateError)
		return err
	}

	e.setState(StateIdle)

	return nil
}

// Push takes up to batchSize pending log rows, filters orphan assets,
// builds a packet, uploads any chunk-referenced bodies, sends the
// packet, and on success marks the rows synced and persists a cursor
// per module touched (spec ยง4.p "Push path").
func (e *Executor) Push(ctx context.Context) error {
	e.report(Progress{Phase: PhasePreparing})

	entries, err := e.journal.PendingLogs(ctx, e.batchSize)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	filtered := make([]synclog.Entry, 0, len(entries))

	for _, en := range entries {
		orphan, err := e.isOrphanAsset(ctx, en)
		if err != nil {
			return err
		}

		if orphan {
			continue
		}

		filtered = append(filtered, en)
	}

	if len(filtered) == 0 {
		return nil
	}

	if e.transport == nil {
		return vaulterr.New(vaulterr.KindConnection, "syncexec: push: no transport configured")
	}

	logIDs := make([]int64, 0, len(filtered))
	for _, en := range filtered {
		logIDs = append(logIDs, en.LogID)
	}

	if err := e.journal.MarkSyncing(ctx, logIDs); err != nil {
		return err
	}

	p, err := e.builder.Build(ctx, filtered)
	if err != nil {
		_ = e.journal.MarkAsFailed(ctx, logIDs)
		return err
	}

	e.report(Progress{Phase: PhaseUploading, Total: len(p.ChunkRefs)})

	for i, ref := range p.ChunkRefs {
		if err := e.uploadChunks(ctx, ref); err != nil {
			_ = e.journal.MarkAsFailed(ctx, logIDs)
			return err
		}

		e.report(Progress{Phase: PhaseUploading, Current: i + 1, Total: len(p.ChunkRefs)})
	}

	resp, err := e.transport.SendPacket(ctx, p)
	if err != nil {
		_ = e.journal.MarkAsFailed(ctx, logIDs)
		return vaulterr.Wrap(vaulterr.KindSyncFailed, "syncexec: push: sendPacket", err)
	}

	if !resp.Success {
		_ = e.journal.MarkAsFailed(ctx, logIDs)
		return vaulterr.New(vaulterr.KindSyncFailed, "syncexec: push: peer rejected packet: "+resp.Error)
	}

	e.report(Progress{Phase: PhaseFinalizing})

	if err := e.journal.MarkAsSynced(ctx, logIDs); err != nil {
		return err
	}

	return e.persistCursors(ctx, filtered)
}

func (e *Executor) uploadChunks(ctx context.Context, ref packet.ChunkRef) error {
	for i := 0; i < ref.TotalChunks; i++ {
		c, err := e.chunks.GetChunk(ctx, ref.ContentHash, i)
		if err != nil {
			return err
		}

		header := transport.ChunkHeader{
			ContentHash: c.ContentHash,
			NodeID:      ref.NodeID,
			Index:       c.Index,
			TotalChunks: c.TotalChunks,
			Size:        c.Size,
			Checksum:    c.Checksum,
		}

		if err := e.transport.SendChunk(ctx, header, c.Data); err != nil {
			return vaulterr.Wrap(vaulterr.KindSyncFailed, "syncexec: push: sendChunk", err)
		}
	}

	return nil
}

func (e *Executor) persistCursors(ctx context.Context, entries []synclog.Entry) error {
	lastByModule := map[string]int64{}

	for _, en := range entries {
		if en.LogID > lastByModule[en.ModuleID] {
			lastByModule[en.ModuleID] = en.LogID
		}
	}

	now := e.nowFn()

	for moduleID, lastLogID := range lastByModule {
		c := syncstate.Cursor{PeerID: e.peerID, ModuleID: moduleID, LastLogID: lastLogID, LastSyncTime: now}
		if err := e.state.SaveCursor(ctx, c); err != nil {
			return err
		}
	}

	return nil
}

// isOrphanAsset reports whether en is a non-delete log row for an asset
// node whose owner no longer exists (spec ยง4.p "filter orphan assets").
func (e *Executor) isOrphanAsset(ctx context.Context, en synclog.Entry) (bool, error) {
	if en.Operation == synclog.OpDelete {
		return false, nil
	}

	n, err := e.k.GetNode(ctx, en.NodeID)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	ownerID, ok := n.Metadata["ownerId"].(string)
	if !ok || ownerID == "" {
		return false, nil
	}

	if _, err := e.k.GetNode(ctx, ownerID); err != nil {
		if vaulterr.IsNotFound(err) {
			return true, nil
		}

		return false, err
	}

	return false, nil
}

// sortForApply moves asset-file creates after every other change and
// otherwise keeps packet order (spec ยง4.p "Receive path"). It does not
// order directory creates before regular-file creates, and deletes are
// not reordered.
func sortForApply(changes []packet.Change, isAsset func(packet.Change) bool) []packet.Change {
	out := make([]packet.Change, len(changes))
	copy(out, changes)

	rank := func(c packet.Change) int {
		switch c.Operation {
		case synclog.OpCreate:
			return createRank(c, isAsset)
		default:
			return 0
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i], out[j]

		if ci.Operation == synclog.OpDelete && cj.Operation == synclog.OpDelete {
			return rank(ci) > rank(cj)
		}

		return rank(ci) < rank(cj)
	})

	return out
}

func createRank(c packet.Change, isAsset func(packet.Change) bool) int {
	switch {
	case c.Operation != synclog.OpCreate:
		return 1
	case isAsset != nil && isAsset(c):
		return 2
	default:
		return 0
	}
}

var reservedSyncRoot = pathutil.Join(pathutil.Root, module.ReservedSyncModuleName)

// ApplyPacket applies an inbound packet's changes in dependency order,
// consulting the conflict resolver for each one and suppressing the
// recorder so applied changes don't loop back into the local log
// (spec ยง4.p "Receive path").
func (e *Executor) ApplyPacket(ctx context.Context, p *packet.Packet) (*transport.PacketResponse, error) {
	e.setState(StateSyncing)
	defer e.setState(StateIdle)

	ordered := sortForApply(p.Changes, func(c packet.Change) bool {
		_, ok := c.Metadata["ownerId"]
		return ok
	})

	e.report(Progress{Phase: PhaseApplying, Total: len(ordered)})

	for i, c := range ordered {
		if pathutil.IsSubPath(reservedSyncRoot, c.Path) {
			continue
		}

		if err := e.applyChange(ctx, p, c); err != nil {
			return &transport.PacketResponse{Success: false, Error: err.Error()}, nil
		}

		e.report(Progress{Phase: PhaseApplying, Current: i + 1, Total: len(ordered)})
	}

	return &transport.PacketResponse{Success: true}, nil
}

// localNodeID resolves which local node a change's remote node id
// corresponds to, via the peer's persisted id mapping, falling back to
// a by-path lookup for a node this peer never told us about before
// (spec ยง4.p). Returns "" if the node does not exist locally yet,
// which is expected for the first create of a given remote node.
func (e *Executor) localNodeID(ctx context.Context, c packet.Change) (string, error) {
	m, err := e.state.LoadNodeMapping(ctx, e.peerID, c.NodeID)
	if err == nil {
		return m.LocalNodeID, nil
	}

	if !vaulterr.IsNotFound(err) {
		return "", err
	}

	if c.Operation == synclog.OpCreate {
		return "", nil
	}

	n, err := e.k.GetNodeByPath(ctx, c.Path)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return "", nil
		}

		return "", err
	}

	return n.NodeID, nil
}

func (e *Executor) applyChange(ctx context.Context, p *packet.Packet, c packet.Change) error {
	localID, err := e.localNodeID(ctx, c)
	if err != nil {
		return err
	}

	local := conflict.LocalState{NodeID: c.NodeID}

	if localID != "" {
		n, err := e.k.GetNode(ctx, localID)
		if err != nil && !vaulterr.IsNotFound(err) {
			return err
		}

		if n != nil {
			local.ModifiedAt = n.ModifiedAt
			local.Clock = clockFromMetadata(n.Metadata["_sync_vc"])
		}
	}

	remote := conflict.RemoteChange{
		NodeID:    c.NodeID,
		Timestamp: e.nowFn(),
		Clock:     conflict.Clock(c.VectorClock),
	}

	decision, err := e.conflicts.Resolve(ctx, local, remote)
	if err != nil {
		return err
	}

	if decision != conflict.DecisionApply {
		return nil
	}

	suppressID := localID
	if suppressID == "" {
		suppressID = c.NodeID
	}

	release := e.recorder.Suppress(suppressID)
	defer release()

	var appliedID string

	switch c.Operation {
	case synclog.OpCreate:
		appliedID, err = e.applyCreate(ctx, p, c)
	case synclog.OpUpdate:
		appliedID, err = localID, e.applyUpdate(ctx, p, c, localID)
	case synclog.OpDelete:
		appliedID, err = localID, e.applyDelete(ctx, localID)
	case synclog.OpMove:
		appliedID, err = localID, e.applyMove(ctx, c, localID)
	case synclog.OpCopy:
		appliedID, err = e.applyCopy(ctx, c)
	case synclog.OpMetadataUpdate:
		appliedID, err = localID, e.applyMetadataOnly(ctx, c, localID)
	}

	if err != nil {
		return err
	}

	if appliedID == "" {
		return nil
	}

	if appliedID != localID {
		if err := e.state.SaveNodeMapping(ctx, syncstate.NodeMapping{
			PeerID: e.peerID, RemoteNodeID: c.NodeID, LocalNodeID: appliedID,
		}); err != nil {
			return err
		}
	}

	return e.stampSyncMetadata(ctx, appliedID, local.Clock, c.VectorClock, c.Version)
}

func (e *Executor) applyCreate(ctx context.Context, p *packet.Packet, c packet.Change) (string, error) {
	if _, err := e.k.EnsureDirectory(ctx, pathutil.Dirname(c.Path)); err != nil {
		return "", err
	}

	metadata := mergeAutoCreated(c.Metadata)

	var (
		n   *kernel.VNode
		err error
	)

	if c.ContentHash == "" {
		n, err = e.k.CreateNodeIfNotExists(ctx, c.Path, kernel.TypeDirectory, nil, metadata)
	} else {
		var body []byte

		body, err = e.resolveBody(ctx, p, c)
		if err != nil {
			return "", err
		}

		n, err = e.k.CreateNodeIfNotExists(ctx, c.Path, kernel.TypeFile, body, metadata)
	}

	if err != nil {
		return "", err
	}

	return n.NodeID, nil
}

func (e *Executor) applyUpdate(ctx context.Context, p *packet.Packet, c packet.Change, localID string) error {
	if localID == "" {
		return vaulterr.New(vaulterr.KindNotFound, "syncexec: apply: update for unknown node "+c.Path)
	}

	if c.ContentHash != "" {
		body, err := e.resolveBody(ctx, p, c)
		if err != nil {
			return err
		}

		if _, err := e.k.Write(ctx, localID, body); err != nil {
			return err
		}
	}

	if len(c.Metadata) > 0 {
		if err := e.mergeMetadata(ctx, localID, c.Metadata); err != nil {
			return err
		}
	}

	return nil
}

func (e *Executor) applyDelete(ctx context.Context, localID string) error {
	if localID == "" {
		return nil
	}

	_, err := e.k.Unlink(ctx, localID, true)
	if err != nil && vaulterr.IsNotFound(err) {
		return nil
	}

	return err
}

func (e *Executor) applyMove(ctx context.Context, c packet.Change, localID string) error {
	if localID == "" {
		return vaulterr.New(vaulterr.KindNotFound, "syncexec: apply: move for unknown node "+c.Path)
	}

	if _, err := e.k.EnsureDirectory(ctx, pathutil.Dirname(c.Path)); err != nil {
		return err
	}

	_, err := e.k.Move(ctx, localID, c.Path)

	return err
}

func (e *Executor) applyCopy(ctx context.Context, c packet.Change) (string, error) {
	var sourceID string

	if c.PreviousPath != "" {
		if src, err := e.k.GetNodeByPath(ctx, c.PreviousPath); err == nil {
			sourceID = src.NodeID
		}
	}

	if sourceID == "" {
		return "", vaulterr.New(vaulterr.KindNotFound, "syncexec: apply: copy source not found for "+c.Path)
	}

	if _, err := e.k.EnsureDirectory(ctx, pathutil.Dirname(c.Path)); err != nil {
		return "", err
	}

	n, err := e.k.Copy(ctx, sourceID, c.Path)
	if err != nil {
		return "", err
	}

	return n.NodeID, nil
}

func (e *Executor) applyMetadataOnly(ctx context.Context, c packet.Change, localID string) error {
	if localID == "" || len(c.Metadata) == 0 {
		return nil
	}

	return e.mergeMetadata(ctx, localID, c.Metadata)
}

// mergeMetadata layers updates on top of a node's current metadata
// rather than replacing it wholesale, since kernel.SetMetadata itself
// always replaces (spec ยง4.p: a remote update must not clobber sync
// bookkeeping or fields the change didn't touch).
func (e *Executor) mergeMetadata(ctx context.Context, nodeID string, updates map[string]any) error {
	n, err := e.k.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(n.Metadata)+len(updates))

	for k, v := range n.Metadata {
		merged[k] = v
	}

	for k, v := range updates {
		merged[k] = v
	}

	_, err = e.k.SetMetadata(ctx, nodeID, merged)

	return err
}

// resolveBody returns a change's file body, from the packet's inline
// contents or by pulling every referenced chunk and reassembling it.
func (e *Executor) resolveBody(ctx context.Context, p *packet.Packet, c packet.Change) ([]byte, error) {
	if inline, ok := p.InlineContents[c.ContentHash]; ok {
		return base64.StdEncoding.DecodeString(inline.Data)
	}

	for _, ref := range p.ChunkRefs {
		if ref.ContentHash != c.ContentHash {
			continue
		}

		e.report(Progress{Phase: PhaseDownloading, Total: ref.TotalChunks, BytesTotal: ref.TotalSize})

		missing, err := e.chunks.GetMissingChunks(ctx, ref.ContentHash, ref.TotalChunks)
		if err != nil {
			return nil, err
		}

		var transferred int64

		for _, idx := range missing {
			data, err := e.transport.RequestChunk(ctx, ref.ContentHash, idx, ref.NodeID)
			if err != nil {
				return nil, vaulterr.Wrap(vaulterr.KindSyncFailed, "syncexec: apply: requestChunk", err)
			}

			if err := e.storeReceivedChunk(ctx, transport.ChunkHeader{
				ContentHash: ref.ContentHash,
				NodeID:      ref.NodeID,
				Index:       idx,
				TotalChunks: ref.TotalChunks,
				Size:        len(data),
				Checksum:    ids.HashBytes(data),
			}, data); err != nil {
				return nil, err
			}

			transferred += int64(len(data))

			e.report(Progress{Phase: PhaseDownloading, Current: idx + 1, Total: ref.TotalChunks, BytesTransferred: transferred, BytesTotal: ref.TotalSize})
		}

		return e.chunks.ReassembleChunks(ctx, ref.ContentHash, ref.TotalChunks)
	}

	return nil, vaulterr.New(vaulterr.KindInvalidOperation, "syncexec: apply: no body for content hash "+c.ContentHash)
}

func (e *Executor) stampSyncMetadata(ctx context.Context, nodeID string, localClock conflict.Clock, remoteClock map[string]int64, version int64) error {
	clock := conflict.Merge(localClock, conflict.Clock(remoteClock))
	clock = conflict.Increment(clock, e.peerID)

	return e.mergeMetadata(ctx, nodeID, map[string]any{
		internalSyncKeyVersion: version,
		internalSyncKeyClock:   clockToMetadata(clock),
		internalSyncKeyTime:    e.nowFn(),
		internalSyncKeyOrigin:  e.peerID,
	})
}

func mergeAutoCreated(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+1)

	for k, v := range metadata {
		out[k] = v
	}

	out[internalSyncKeyAutoCreated] = true

	return out
}

func clockFromMetadata(v any) conflict.Clock {
	m, ok := v.(map[string]any)
	if !ok {
		return conflict.Clock{}
	}

	out := make(conflict.Clock, len(m))

	for k, val := range m {
		switch n := val.(type) {
		case int64:
			out[k] = n
		case int:
			out[k] = int64(n)
		case float64:
			out[k] = int64(n)
		}
	}

	return out
}

func clockToMetadata(c conflict.Clock) map[string]any {
	out := make(map[string]any, len(c))

	for k, v := range c {
		out[k] = v
	}

	return out
}
