package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/ids"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

const (
	collVNodes   = "vnodes"
	collContents = "contents"
)

// Pipeline is the narrow hook surface the content-provider pipeline
// implements (spec ยง4.h). The kernel calls these around every mutation;
// a kernel with no pipeline attached behaves as if every hook were the
// identity function. Defined here (not in package provider) so the kernel
// depends only on its own types and avoids importing its own extensions.
type Pipeline interface {
	Validate(ctx context.Context, n *VNode, content []byte) error
	BeforeWrite(ctx context.Context, n *VNode, content []byte, tx storage.Transaction) ([]byte, error)
	AfterWrite(ctx context.Context, n *VNode, content []byte, tx storage.Transaction) (map[string]any, error)
	BeforeDelete(ctx context.Context, n *VNode, tx storage.Transaction) error
	AfterDelete(ctx context.Context, n *VNode, tx storage.Transaction) error
	AfterMove(ctx context.Context, n *VNode, oldPath string, tx storage.Transaction) error
	AfterCopy(ctx context.Context, n *VNode, sourceID string, tx storage.Transaction) error
	AfterRead(ctx context.Context, n *VNode, content []byte) error
}

// noopPipeline is installed by default so every hook call site can be
// unconditional.
type noopPipeline struct{}

func (noopPipeline) Validate(context.Context, *VNode, []byte) error { return nil }
func (noopPipeline) BeforeWrite(_ context.Context, _ *VNode, content []byte, _ storage.Transaction) ([]byte, error) {
	return content, nil
}
func (noopPipeline) AfterWrite(context.Context, *VNode, []byte, storage.Transaction) (map[string]any, error) {
	return nil, nil
}
func (noopPipeline) BeforeDelete(context.Context, *VNode, storage.Transaction) error { return nil }
func (noopPipeline) AfterDelete(context.Context, *VNode, storage.Transaction) error  { return nil }
func (noopPipeline) AfterMove(context.Context, *VNode, string, storage.Transaction) error {
	return nil
}
func (noopPipeline) AfterCopy(context.Context, *VNode, string, storage.Transaction) error {
	return nil
}
func (noopPipeline) AfterRead(context.Context, *VNode, []byte) error { return nil }

// Kernel owns the node graph: CRUD, transactions, descendant operations,
// and root lifecycle (spec ยง4.e). Single-threaded cooperative model per
// instance (spec ยง5): concurrent callers are serialized at transaction
// granularity by the storage adapter, not by an in-kernel lock.
type Kernel struct {
	adapter  storage.Adapter
	bus      *eventbus.Bus
	logger   *slog.Logger
	pipeline Pipeline

	mu          sync.Mutex
	initialized bool
}

// New creates a Kernel over adapter. Call Initialize before any operation.
func New(adapter storage.Adapter, bus *eventbus.Bus, logger *slog.Logger) *Kernel {
	return &Kernel{adapter: adapter, bus: bus, logger: logger, pipeline: noopPipeline{}}
}

// SetPipeline installs the content-provider pipeline. Passing nil restores
// the no-op pipeline.
func (k *Kernel) SetPipeline(p Pipeline) {
	if p == nil {
		p = noopPipeline{}
	}

	k.pipeline = p
}

// Bus returns the kernel's event bus, for extensions that need to subscribe.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// Adapter returns the underlying storage adapter, for extensions that
// register their own collection schemas before Initialize.
func (k *Kernel) Adapter() storage.Adapter { return k.adapter }

// Initialize ensures path "/" exists with nodeId "root" (spec ยง4.e). Safe
// to call more than once; subsequent calls are no-ops once the root exists.
func (k *Kernel) Initialize(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	tx, err := k.adapter.BeginTx(ctx, []string{collVNodes}, storage.ReadWrite)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorage, "kernel: initialize: begin transaction", err)
	}

	existing, err := tx.Collection(collVNodes).Get(ctx, ids.RootNodeID)
	if err != nil {
		_ = tx.Abort(ctx)
		return vaulterr.Wrap(vaulterr.KindStorage, "kernel: initialize: read root", err)
	}

	if existing != nil {
		_ = tx.Abort(ctx)
		k.initialized = true

		return nil
	}

	now := nowMillis()
	root := &VNode{
		NodeID:     ids.RootNodeID,
		ParentID:   "",
		Name:       "",
		Type:       TypeDirectory,
		Path:       pathutil.Root,
		CreatedAt:  now,
		ModifiedAt: now,
		Metadata:   map[string]any{},
	}

	if err := tx.Collection(collVNodes).Put(ctx, root.toRecord()); err != nil {
		_ = tx.Abort(ctx)
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: initialize: create root", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindTransactionFailed, "kernel: initialize: commit", err)
	}

	k.initialized = true
	k.logger.Info("kernel initialized")

	return nil
}

// Shutdown disconnects storage and clears the event bus (spec ยง4.e).
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.bus.Clear()

	if err := k.adapter.Close(ctx); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorage, "kernel: shutdown", err)
	}

	return nil
}

func (k *Kernel) requireInitialized() error {
	if !k.initialized {
		return vaulterr.New(vaulterr.KindInvalidOperation, "kernel: not initialized")
	}

	return nil
}

// emit publishes ev on the bus after a transaction has committed (spec
// ยง5 "event is emitted strictly after commit").
func (k *Kernel) emit(eventType eventbus.EventType, n *VNode, data map[string]any) {
	k.bus.Emit(eventbus.Event{
		Type:      eventType,
		NodeID:    n.NodeID,
		Path:      n.Path,
		Timestamp: nowMillis(),
		Data:      data,
	})
}

func wrapStorage(action string, err error) error {
	return vaulterr.Wrap(vaulterr.KindStorage, fmt.Sprintf("kernel: %s", action), err)
}
