package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vaultfs/vaultfs/internal/assets"
	"github.com/vaultfs/vaultfs/internal/chunk"
	"github.com/vaultfs/vaultfs/internal/conflict"
	"github.com/vaultfs/vaultfs/internal/config"
	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/module"
	"github.com/vaultfs/vaultfs/internal/packet"
	"github.com/vaultfs/vaultfs/internal/plugin"
	"github.com/vaultfs/vaultfs/internal/provider"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/storage/sqlite"
	"github.com/vaultfs/vaultfs/internal/synclog"
	"github.com/vaultfs/vaultfs/internal/syncexec"
	"github.com/vaultfs/vaultfs/internal/syncstate"
	"github.com/vaultfs/vaultfs/internal/tags"
	"github.com/vaultfs/vaultfs/internal/transport"
)

// runtime bundles every subsystem built over one kernel instance. Every
// command constructs one from the resolved config and tears it down
// before returning.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	adapter *sqlite.Adapter
	bus     *eventbus.Bus
	kernel  *kernel.Kernel
	modules *module.Manager
	assets  *assets.Subsystem
	tags    *tags.Subsystem
	plugins *plugin.Host

	journal   *synclog.Journal
	chunks    *chunk.Manager
	conflicts *conflict.Resolver
	state     *syncstate.Store
	builder   *packet.Builder
	recorder  *syncexec.Recorder
}

// nowMillis is the clock every subsystem in a runtime shares.
func nowMillis() int64 {
	return timeNowFunc().UnixMilli()
}

// newRuntime opens the sqlite adapter at cfg's data directory, registers
// every subsystem's schema, connects, then initializes the kernel and
// wires tags/module/assets/sync subsystems on top of it. Callers must
// call close() when done.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	dbPath := dataDir + "/vaultfs.db"

	adapter := sqlite.New(dbPath, logger)

	for _, schema := range storage.CoreSchemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			return nil, fmt.Errorf("registering core schema %s: %w", schema.Name, err)
		}
	}

	for _, schema := range synclog.Schemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			return nil, fmt.Errorf("registering synclog schema %s: %w", schema.Name, err)
		}
	}

	for _, schema := range conflict.Schemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			return nil, fmt.Errorf("registering conflict schema %s: %w", schema.Name, err)
		}
	}

	for _, schema := range chunk.Schemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			return nil, fmt.Errorf("registering chunk schema %s: %w", schema.Name, err)
		}
	}

	for _, schema := range tags.Schemas() {
		if err := adapter.RegisterSchema(schema); err != nil {
			return nil, fmt.Errorf("registering tags schema %s: %w", schema.Name, err)
		}
	}

	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting storage: %w", err)
	}

	bus := eventbus.New(logger)
	k := kernel.New(adapter, bus, logger)

	if err := k.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing kernel: %w", err)
	}

	// No content providers are registered by default; installing the
	// empty registry still exercises the real fold path instead of the
	// kernel's identity no-op, so a future provider only has to call
	// Register, not also remember to wire SetPipeline.
	k.SetPipeline(provider.New())

	modules := module.New(k, nowMillis)
	if err := modules.EnsureRegistry(ctx); err != nil {
		return nil, fmt.Errorf("ensuring module registry: %w", err)
	}

	assetsSub := assets.New(k, logger)
	tagsSub := tags.New(adapter, bus, logger, nowMillis)
	plugins := plugin.New(k, bus, logger)

	journal := synclog.New(adapter)
	recorder := syncexec.NewRecorder(k, journal, modules, logger, nowMillis)
	recorder.Attach(bus)

	policy := conflict.Policy(cfg.Conflict.Policy)

	conflicts := conflict.New(adapter, bus, policy, nowMillis)
	state := syncstate.New(k, modules)

	if err := state.EnsureModule(ctx); err != nil {
		return nil, fmt.Errorf("ensuring sync state module: %w", err)
	}

	chunkSize, err := config.ParseSize(cfg.Chunk.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("parsing chunk size: %w", err)
	}

	if chunkSize == 0 {
		chunkSize = chunk.DefaultChunkSize
	}

	chunks := chunk.New(adapter, int(chunkSize))

	inlineThreshold, err := config.ParseSize(cfg.Chunk.InlineThreshold)
	if err != nil {
		return nil, fmt.Errorf("parsing inline threshold: %w", err)
	}

	if inlineThreshold == 0 {
		inlineThreshold = packet.DefaultInlineThreshold
	}

	builder := packet.NewBuilder(k, modules, int(chunkSize), inlineThreshold)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		adapter:   adapter,
		bus:       bus,
		kernel:    k,
		modules:   modules,
		assets:    assetsSub,
		tags:      tagsSub,
		plugins:   plugins,
		journal:   journal,
		chunks:    chunks,
		conflicts: conflicts,
		state:     state,
		builder:   builder,
		recorder:  recorder,
	}, nil
}

// tagsOf returns the tag names attached to a node, for `node stat`.
func (rt *runtime) tagsOf(ctx context.Context, nodeID string) ([]string, error) {
	return rt.tags.NodeTags(ctx, nodeID)
}

// close releases the storage adapter. Safe to call even if newRuntime
// failed partway, as long as adapter was assigned.
func (rt *runtime) close(ctx context.Context) error {
	if rt == nil || rt.adapter == nil {
		return nil
	}

	return rt.adapter.Close(ctx)
}

// newTransport dials or prepares a transport to the configured remote
// peer. Returns nil, nil if no remote_url is configured (sync commands
// then report that outbound sync is disabled).
func (rt *runtime) newTransport() (*transport.Transport, error) {
	if rt.cfg.Peer.RemoteURL == "" {
		return nil, nil
	}

	cfg := transport.Config{URL: rt.cfg.Peer.RemoteURL}

	if rt.cfg.Peer.HeartbeatInterval != "" {
		d, err := parseDuration(rt.cfg.Peer.HeartbeatInterval)
		if err != nil {
			return nil, fmt.Errorf("parsing heartbeat_interval: %w", err)
		}

		cfg.HeartbeatInterval = d
	}

	if rt.cfg.Peer.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = rt.cfg.Peer.MaxReconnectAttempts
	}

	if rt.cfg.Peer.ReconnectMaxDelay != "" {
		d, err := parseDuration(rt.cfg.Peer.ReconnectMaxDelay)
		if err != nil {
			return nil, fmt.Errorf("parsing reconnect_max_delay: %w", err)
		}

		cfg.ReconnectMaxDelay = d
	}

	return transport.New(rt.logger, cfg, nil, nil), nil
}

// newExecutor builds a syncexec.Executor bound to tr (which may be nil
// if outbound sync is disabled; Push/Run then fail with a clear error).
func (rt *runtime) newExecutor(tr *transport.Transport) *syncexec.Executor {
	return syncexec.New(syncexec.Config{
		Kernel:    rt.kernel,
		Modules:   rt.modules,
		Journal:   rt.journal,
		Chunks:    rt.chunks,
		Conflicts: rt.conflicts,
		State:     rt.state,
		Recorder:  rt.recorder,
		Builder:   rt.builder,
		Transport: tr,
		PeerID:    rt.cfg.Peer.ID,
		NowFn:     nowMillis,
		Logger:    rt.logger,
	})
}
