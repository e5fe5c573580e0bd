package syncexec

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/synclog"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Recorder subscribes to the kernel's event bus and appends one sync log
// row per local mutation (spec ยง4.k), except for nodes the executor has
// marked as "processing remote" — changes the executor itself is
// applying from a peer must not loop back into the log it reads from
// (spec ยง4.p "loop prevention").
type Recorder struct {
	k       *kernel.Kernel
	journal *synclog.Journal
	modules *module.Manager
	logger  *slog.Logger
	nowFn   func() int64

	mu         sync.Mutex
	suppressed map[string]int
}

// NewRecorder creates a Recorder. Call Attach to start listening.
func NewRecorder(k *kernel.Kernel, journal *synclog.Journal, modules *module.Manager, logger *slog.Logger, nowFn func() int64) *Recorder {
	return &Recorder{
		k:          k,
		journal:    journal,
		modules:    modules,
		logger:     logger,
		nowFn:      nowFn,
		suppressed: make(map[string]int),
	}
}

// Attach registers the recorder's handlers on bus.
func (r *Recorder) Attach(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.NodeCreated, r.handle)
	bus.Subscribe(eventbus.NodeUpdated, r.handle)
	bus.Subscribe(eventbus.NodeDeleted, r.handle)
	bus.Subscribe(eventbus.NodeMoved, r.handle)
	bus.Subscribe(eventbus.NodeCopied, r.handle)
}

// Suppress marks nodeID as under remote application: events for it are
// not recorded to the log until the returned release func is called.
// Suppression is reference-counted so overlapping suppressions (e.g. a
// directory create immediately followed by a metadata write during the
// same applied change) don't release early.
func (r *Recorder) Suppress(nodeID string) func() {
	r.mu.Lock()
	r.suppressed[nodeID]++
	r.mu.Unlock()

	released := false

	return func() {
		if released {
			return
		}

		released = true

		r.mu.Lock()
		if r.suppressed[nodeID] <= 1 {
			delete(r.suppressed, nodeID)
		} else {
			r.suppressed[nodeID]--
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) isSuppressed(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.suppressed[nodeID] > 0
}

func (r *Recorder) handle(ev eventbus.Event) {
	if r.isSuppressed(ev.NodeID) {
		return
	}

	op, ok := opForEventType(ev.Type)
	if !ok {
		return
	}

	ctx := context.Background()

	mod, err := r.modules.ModuleForPath(ctx, ev.Path)
	if err != nil {
		if !vaulterr.IsNotFound(err) {
			r.logger.Warn("syncexec: recorder failed to resolve module for path", "path", ev.Path, "error", err)
		}

		return
	}

	if mod.Name == module.ReservedSyncModuleName {
		return
	}

	previousPath := ""

	switch ev.Type {
	case eventbus.NodeMoved:
		previousPath, _ = ev.Data["oldPath"].(string)
	case eventbus.NodeCopied:
		if sourceID, ok := ev.Data["sourceId"].(string); ok {
			if src, err := r.k.GetNode(ctx, sourceID); err == nil {
				previousPath = src.Path
			}
		}
	}

	if err := r.journal.Append(ctx, mod.Name, ev.NodeID, ev.Path, op, previousPath, r.nowFn()); err != nil {
		r.logger.Error("syncexec: failed to append sync log entry", "nodeId", ev.NodeID, "error", err)
	}
}

func opForEventType(t eventbus.EventType) (synclog.Operation, bool) {
	switch t {
	case eventbus.NodeCreated:
		return synclog.OpCreate, true
	case eventbus.NodeUpdated:
		return synclog.OpUpdate, true
	case eventbus.NodeDeleted:
		return synclog.OpDelete, true
	case eventbus.NodeMoved:
		return synclog.OpMove, true
	case eventbus.NodeCopied:
		return synclog.OpCopy, true
	default:
		return "", false
	}
}
