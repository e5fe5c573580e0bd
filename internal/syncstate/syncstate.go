// Package syncstate allocates and manages the reserved, protected sync
// module (spec ยง4.r): a well-known top-level subtree holding the sync
// engine's own per-peer cursors and state, persisted as ordinary VFS
// files so they ride along with the same backup/restore mechanisms as
// user data, yet excluded from sync filtering (spec ยง6.2).
package syncstate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const (
	cursorsDir  = "cursors"
	stateDir    = "state"
	mappingsDir = "mappings"
)

// Cursor tracks how far a module has been synced with a peer (spec
// ยง4.p "persist a cursor {peerId, moduleId, lastLogId, lastSyncTime}").
type Cursor struct {
	PeerID       string `json:"peerId"`
	ModuleID     string `json:"moduleId"`
	LastLogID    int64  `json:"lastLogId"`
	LastSyncTime int64  `json:"lastSyncTime"`
}

// PeerState is free-form per-peer bookkeeping (e.g. negotiated protocol
// version, last known connection state) outside of any single module's
// cursor. Data is a grab-bag, but the connection-health fields follow a
// fixed convention (spec ยง4.q "exhaustion transitions sync state to
// error with retryable=true"):
//
//	Data["status"]    string  -- "ok" or "error"
//	Data["retryable"] bool    -- whether a future sync attempt may succeed
//	Data["error"]     string  -- the last failure's message, if status is "error"
//	Data["time"]      int64   -- when that status was recorded
type PeerState struct {
	PeerID string         `json:"peerId"`
	Data   map[string]any `json:"data"`
}

// Connection-health convention keys for PeerState.Data.
const (
	PeerStateKeyStatus    = "status"
	PeerStateKeyRetryable = "retryable"
	PeerStateKeyError     = "error"
	PeerStateKeyTime      = "time"
)

// Connection-health status values for Data[PeerStateKeyStatus].
const (
	PeerStatusOK    = "ok"
	PeerStatusError = "error"
)

// NodeMapping records which local node a peer's remote node id was
// materialized as: the kernel assigns its own node ids on create, so a
// remote id never identifies a node locally by itself (spec ยง4.p).
type NodeMapping struct {
	PeerID       string `json:"peerId"`
	RemoteNodeID string `json:"remoteNodeId"`
	LocalNodeID  string `json:"localNodeId"`
}

// Store manages the reserved sync module's cursors/, state/ and mappings/
// files.
type Store struct {
	k       *kernel.Kernel
	modules *module.Manager
	rootDir string
}

// New creates a Store bound to the reserved module's root directory.
func New(k *kernel.Kernel, modules *module.Manager) *Store {
	return &Store{k: k, modules: modules, rootDir: pathutil.Join(pathutil.Root, module.ReservedSyncModuleName)}
}

// EnsureModule creates the reserved protected sync module and its
// cursors/, state/ and mappings/ subdirectories if they do not already
// exist.
// SyncEnabled is irrelevant for this module: it is always excluded from
// the sync filter by name (spec ยง4.l), not by this flag.
func (s *Store) EnsureModule(ctx context.Context) error {
	if _, err := s.modules.GetModule(ctx, module.ReservedSyncModuleName); err != nil {
		if !vaulterr.IsNotFound(err) {
			return err
		}

		if _, err := s.modules.CreateModule(ctx, module.ReservedSyncModuleName, "sync engine cursors and peer state", true, false); err != nil {
			return err
		}
	}

	if _, err := s.k.EnsureDirectory(ctx, pathutil.Join(s.rootDir, cursorsDir)); err != nil {
		return err
	}

	if _, err := s.k.EnsureDirectory(ctx, pathutil.Join(s.rootDir, stateDir)); err != nil {
		return err
	}

	if _, err := s.k.EnsureDirectory(ctx, pathutil.Join(s.rootDir, mappingsDir)); err != nil {
		return err
	}

	return nil
}

func cursorPath(root, peerID, moduleID string) string {
	return pathutil.Join(root, cursorsDir, fmt.Sprintf("%s_%s.json", peerID, moduleID))
}

func statePath(root, peerID string) string {
	return pathutil.Join(root, stateDir, fmt.Sprintf("%s.json", peerID))
}

func mappingPath(root, peerID, remoteNodeID string) string {
	return pathutil.Join(root, mappingsDir, fmt.Sprintf("%s_%s.json", peerID, remoteNodeID))
}

// SaveCursor persists a cursor, creating or overwriting the file.
func (s *Store) SaveCursor(ctx context.Context, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: marshal cursor", err)
	}

	path := cursorPath(s.rootDir, c.PeerID, c.ModuleID)

	if _, err := s.k.CreateNodeIfNotExists(ctx, path, kernel.TypeFile, data, nil); err != nil {
		return err
	}

	n, err := s.k.GetNodeByPath(ctx, path)
	if err != nil {
		return err
	}

	_, err = s.k.Write(ctx, n.NodeID, data)

	return err
}

// LoadCursor reads a peer/module's cursor. Returns vaulterr.IsNotFound
// if none has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, peerID, moduleID string) (*Cursor, error) {
	n, err := s.k.GetNodeByPath(ctx, cursorPath(s.rootDir, peerID, moduleID))
	if err != nil {
		return nil, err
	}

	data, err := s.k.Read(ctx, n.NodeID)
	if err != nil {
		return nil, err
	}

	var c Cursor

	if err := json.Unmarshal(data, &c); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: decode cursor", err)
	}

	return &c, nil
}

// SavePeerState persists free-form per-peer state.
func (s *Store) SavePeerState(ctx context.Context, st PeerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: marshal peer state", err)
	}

	path := statePath(s.rootDir, st.PeerID)

	if _, err := s.k.CreateNodeIfNotExists(ctx, path, kernel.TypeFile, data, nil); err != nil {
		return err
	}

	n, err := s.k.GetNodeByPath(ctx, path)
	if err != nil {
		return err
	}

	_, err = s.k.Write(ctx, n.NodeID, data)

	return err
}

// LoadPeerState reads a peer's state file. Returns vaulterr.IsNotFound
// if none has been saved yet.
func (s *Store) LoadPeerState(ctx context.Context, peerID string) (*PeerState, error) {
	n, err := s.k.GetNodeByPath(ctx, statePath(s.rootDir, peerID))
	if err != nil {
		return nil, err
	}

	data, err := s.k.Read(ctx, n.NodeID)
	if err != nil {
		return nil, err
	}

	var st PeerState

	if err := json.Unmarshal(data, &st); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: decode peer state", err)
	}

	return &st, nil
}

// SaveConnectionError persists a retryable connection failure for peerID
// following the PeerState.Data convention, so a later process (e.g. a
// "sync status" invocation in a fresh executor) can see that the last
// known attempt to reach this peer failed, without needing the original
// in-memory Executor.
func (s *Store) SaveConnectionError(ctx context.Context, peerID string, cause error, retryable bool, now int64) error {
	return s.SavePeerState(ctx, PeerState{
		PeerID: peerID,
		Data: map[string]any{
			PeerStateKeyStatus:    PeerStatusError,
			PeerStateKeyRetryable: retryable,
			PeerStateKeyError:     cause.Error(),
			PeerStateKeyTime:      now,
		},
	})
}

// SaveConnectionOK clears a peer's connection-health record back to ok,
// for callers that successfully reconnect after a prior exhaustion.
func (s *Store) SaveConnectionOK(ctx context.Context, peerID string, now int64) error {
	return s.SavePeerState(ctx, PeerState{
		PeerID: peerID,
		Data: map[string]any{
			PeerStateKeyStatus: PeerStatusOK,
			PeerStateKeyTime:   now,
		},
	})
}

// SaveNodeMapping records that peerID's remoteNodeID was materialized
// locally as localNodeID.
func (s *Store) SaveNodeMapping(ctx context.Context, m NodeMapping) error {
	data, err := json.Marshal(m)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: marshal node mapping", err)
	}

	path := mappingPath(s.rootDir, m.PeerID, m.RemoteNodeID)

	if _, err := s.k.CreateNodeIfNotExists(ctx, path, kernel.TypeFile, data, nil); err != nil {
		return err
	}

	n, err := s.k.GetNodeByPath(ctx, path)
	if err != nil {
		return err
	}

	_, err = s.k.Write(ctx, n.NodeID, data)

	return err
}

// LoadNodeMapping resolves peerID's remoteNodeID to the local node id
// it was materialized as. Returns vaulterr.IsNotFound if remoteNodeID
// has never been applied locally.
func (s *Store) LoadNodeMapping(ctx context.Context, peerID, remoteNodeID string) (*NodeMapping, error) {
	n, err := s.k.GetNodeByPath(ctx, mappingPath(s.rootDir, peerID, remoteNodeID))
	if err != nil {
		return nil, err
	}

	data, err := s.k.Read(ctx, n.NodeID)
	if err != nil {
		return nil, err
	}

	var m NodeMapping

	if err := json.Unmarshal(data, &m); err != nil {
		return nil, vaulterr.Wrap(vaulterr.KindInvalidOperation, "syncstate: decode node mapping", err)
	}

	return &m, nil
}

// RootDir returns the reserved module's root path, for callers (e.g. the
// packet builder's module filter) that need to recognize it by prefix.
func (s *Store) RootDir() string {
	return s.rootDir
}
