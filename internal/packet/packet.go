// Package packet builds the wire payloads exchanged with a sync peer
// (spec ยง4.l): a batch of pending sync log rows rendered into change
// entries, with small file bodies inlined and large ones referenced by
// chunk, internal sync bookkeeping metadata stripped, and anything
// under a sync-disabled or reserved module omitted entirely.
package packet

import (
	"context"
	"encoding/base64"

	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/synclog"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// DefaultInlineThreshold is the largest file body that travels inline
// in a packet rather than by chunk reference (spec ยง4.l).
const DefaultInlineThreshold = 5 * 1024 * 1024 // 5 MiB

// internalMetadataKeys are the sync engine's own bookkeeping keys,
// never transmitted to a peer (spec ยง6.2).
var internalMetadataKeys = map[string]bool{
	"_sync_v":             true,
	"_sync_vc":            true,
	"_sync_time":          true,
	"_sync_origin":        true,
	"_sync_auto_created":  true,
	"_sync_pending":       true,
	"_local_only":         true,
}

// Change is one log entry rendered for the wire.
type Change struct {
	LogID        int64
	NodeID       string
	Operation    synclog.Operation
	Path         string
	PreviousPath string
	Version      int64
	VectorClock  map[string]int64
	Metadata     map[string]any
	ContentHash  string
	Size         int64
}

// InlineContent is a small file body carried directly in the packet,
// keyed by the node's contentRef so changes that share a contentRef carry
// the body once (spec ยง4.l). Identical bytes under different contentRefs
// are not merged; no hash of the bytes is computed here.
type InlineContent struct {
	Data                  string
	OriginalSize          int64
	Compressed            bool
	CompressionAlgorithm  string
}

// ChunkRef marks a file body too large to inline; the peer pulls its
// chunks separately via the transport's request-chunk round trip.
type ChunkRef struct {
	ContentHash string
	NodeID      string
	TotalSize   int64
	TotalChunks int
}

// Packet is the unit exchanged between push and apply (spec ยง4.l, ยง4.p).
type Packet struct {
	PacketID       string
	Changes        []Change
	InlineContents map[string]InlineContent
	ChunkRefs      []ChunkRef
}

// Builder renders pending synclog.Entry rows into Packets.
type Builder struct {
	k               *kernel.Kernel
	modules         *module.Manager
	chunkSize       int
	inlineThreshold int64
}

// NewBuilder creates a Builder. inlineThreshold <= 0 falls back to
// DefaultInlineThreshold.
func NewBuilder(k *kernel.Kernel, modules *module.Manager, chunkSize int, inlineThreshold int64) *Builder {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}

	return &Builder{k: k, modules: modules, chunkSize: chunkSize, inlineThreshold: inlineThreshold}
}

// Build renders entries into one Packet, skipping rows whose node has
// since been deleted locally (unless the row itself is a delete) and
// rows under a sync-disabled or reserved module (spec ยง4.l).
func (b *Builder) Build(ctx context.Context, entries []synclog.Entry) (*Packet, error) {
	p := &Packet{
		PacketID:       ids.NewPacketID(),
		InlineContents: map[string]InlineContent{},
	}

	for _, e := range entries {
		skip, err := b.shouldSkip(ctx, e)
		if err != nil {
			return nil, err
		}

		if skip {
			continue
		}

		change := Change{
			LogID:        e.LogID,
			NodeID:       e.NodeID,
			Operation:    e.Operation,
			Path:         e.Path,
			PreviousPath: e.PreviousPath,
		}

		var n *kernel.VNode

		if e.Operation != synclog.OpDelete {
			n, err = b.k.GetNode(ctx, e.NodeID)
			if err != nil {
				if vaulterr.IsNotFound(err) {
					continue
				}

				return nil, err
			}
		}

		if n != nil {
			change.Metadata = stripInternalKeys(n.Metadata)
			change.Version = asInt64(n.Metadata["_sync_v"])
			change.VectorClock = vectorClockFromMetadata(n.Metadata["_sync_vc"])
			change.ContentHash = n.ContentRef
			change.Size = n.Size

			if n.Type == kernel.TypeFile && (e.Operation == synclog.OpCreate || e.Operation == synclog.OpUpdate) {
				if err := b.attachBody(ctx, n, &p.InlineContents, &p.ChunkRefs); err != nil {
					return nil, err
				}
			}
		}

		p.Changes = append(p.Changes, change)
	}

	return p, nil
}

func (b *Builder) attachBody(ctx context.Context, n *kernel.VNode, inline *map[string]InlineContent, chunks *[]ChunkRef) error {
	if n.ContentRef == "" {
		return nil
	}

	if _, ok := (*inline)[n.ContentRef]; ok {
		return nil
	}

	for _, c := range *chunks {
		if c.ContentHash == n.ContentRef {
			return nil
		}
	}

	if n.Size <= b.inlineThreshold {
		data, err := b.k.Read(ctx, n.NodeID)
		if err != nil {
			return err
		}

		(*inline)[n.ContentRef] = InlineContent{
			Data:         base64.StdEncoding.EncodeToString(data),
			OriginalSize: int64(len(data)),
		}

		return nil
	}

	chunkSize := b.chunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	*chunks = append(*chunks, ChunkRef{
		ContentHash: n.ContentRef,
		NodeID:      n.NodeID,
		TotalSize:   n.Size,
		TotalChunks: int((n.Size + int64(chunkSize) - 1) / int64(chunkSize)),
	})

	return nil
}

// shouldSkip reports whether a log row belongs to a sync-disabled
// module or sits under the reserved sync module's own subtree.
func (b *Builder) shouldSkip(ctx context.Context, e synclog.Entry) (bool, error) {
	mod, err := b.modules.ModuleForPath(ctx, e.Path)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	if mod == nil {
		return false, nil
	}

	if mod.Name == module.ReservedSyncModuleName {
		return true, nil
	}

	return !mod.SyncEnabled, nil
}

func stripInternalKeys(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}

	out := make(map[string]any, len(m))

	for k, v := range m {
		if internalMetadataKeys[k] {
			continue
		}

		out[k] = v
	}

	if len(out) == 0 {
		return nil
	}

	return out
}

func vectorClockFromMetadata(v any) map[string]int64 {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	out := make(map[string]int64, len(m))
	for k, val := range m {
		out[k] = asInt64(val)
	}

	return out
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
