// Package plugin implements the plugin host (spec ยง4.g): install ordering
// that collects every plugin's storage schemas before the adapter
// connects, then activation in dependency order with cycle detection.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vaultfs/vaultfs/internal/eventbus"
	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/logging"
	"github.com/vaultfs/vaultfs/internal/storage"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// Kind classifies a plugin's role (spec ยง4.g).
type Kind string

// Plugin kinds.
const (
	KindStorage    Kind = "storage"
	KindMiddleware Kind = "middleware"
	KindFeature    Kind = "feature"
	KindAdapter    Kind = "adapter"
)

// Status tracks a plugin's lifecycle state.
type Status string

// Plugin statuses.
const (
	StatusRegistered Status = "registered"
	StatusInstalled  Status = "installed"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
)

// Metadata describes a plugin for dependency resolution and diagnostics
// (spec ยง4.g).
type Metadata struct {
	ID           string
	Name         string
	Version      string
	Type         Kind
	Dependencies []string
}

// Context is handed to every lifecycle call: the kernel, the event bus, a
// scoped logger, and cross-plugin lookup (spec ยง4.g "Plugin context").
type Context struct {
	Kernel    *kernel.Kernel
	Bus       *eventbus.Bus
	Logger    *slog.Logger
	getPlugin func(id string) (Plugin, bool)
}

// GetPlugin looks up an already-registered plugin by id, for plugins that
// need to call into another plugin directly.
func (c *Context) GetPlugin(id string) (Plugin, bool) {
	return c.getPlugin(id)
}

// Plugin is the capability set every extension implements (spec ยง9
// "Dynamic plugin graph"): metadata, an optional schema contribution, and
// the four lifecycle calls.
type Plugin interface {
	Metadata() Metadata
	GetSchemas() []storage.Schema
	Install(ctx context.Context, pctx *Context) error
	Activate(ctx context.Context, pctx *Context) error
	Deactivate(ctx context.Context, pctx *Context) error
	Uninstall(ctx context.Context, pctx *Context) error
}

// entry tracks one registered plugin's runtime status alongside the
// plugin itself.
type entry struct {
	plugin Plugin
	status Status
	err    error
}

// Host registers plugins, merges their schemas with the kernel's core
// schemas before storage connects, and drives Install/Activate in
// dependency order (spec ยง4.g).
type Host struct {
	k      *kernel.Kernel
	bus    *eventbus.Bus
	logger *slog.Logger

	entries map[string]*entry
	order   []string // registration order, for deterministic iteration
}

// New creates an empty plugin Host.
func New(k *kernel.Kernel, bus *eventbus.Bus, logger *slog.Logger) *Host {
	return &Host{k: k, bus: bus, logger: logger, entries: make(map[string]*entry)}
}

// Register adds p to the host without installing or activating it.
func (h *Host) Register(p Plugin) error {
	meta := p.Metadata()

	if _, exists := h.entries[meta.ID]; exists {
		return vaulterr.AlreadyExists("plugin:" + meta.ID)
	}

	h.entries[meta.ID] = &entry{plugin: p, status: StatusRegistered}
	h.order = append(h.order, meta.ID)

	return nil
}

// CollectSchemas gathers every registered plugin's schemas (spec ยง4.g
// "Factory step collects schemas from every plugin"). Call before the
// storage adapter connects.
func (h *Host) CollectSchemas() []storage.Schema {
	var schemas []storage.Schema

	for _, id := range h.order {
		schemas = append(schemas, h.entries[id].plugin.GetSchemas()...)
	}

	return schemas
}

// InstallAll calls Install on every registered plugin in registration
// order. A plugin that fails is marked StatusError and PluginError is
// emitted; installation continues for the rest (spec ยง7 "Import/backup
// runs each module in isolation").
func (h *Host) InstallAll(ctx context.Context) error {
	var firstErr error

	for _, id := range h.order {
		e := h.entries[id]

		pctx := h.contextFor(id)
		if err := e.plugin.Install(ctx, pctx); err != nil {
			e.status = StatusError
			e.err = err
			h.emitPluginError(id, "install", err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		e.status = StatusInstalled
	}

	return firstErr
}

// ActivateAll performs a topological sort over plugin dependencies and
// activates each plugin in that order, failing on a dependency cycle
// (spec ยง4.g). Activate on a single plugin does not activate its
// dependencies.
func (h *Host) ActivateAll(ctx context.Context) error {
	order, err := h.topoSort()
	if err != nil {
		return err
	}

	for _, id := range order {
		if err := h.activate(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

func (h *Host) activate(ctx context.Context, id string) error {
	e, ok := h.entries[id]
	if !ok {
		return vaulterr.NotFound("plugin", id)
	}

	if e.status == StatusActive {
		return nil
	}

	pctx := h.contextFor(id)
	if err := e.plugin.Activate(ctx, pctx); err != nil {
		e.status = StatusError
		e.err = err
		h.emitPluginError(id, "activate", err)

		return vaulterr.Wrap(vaulterr.KindPluginLoad, fmt.Sprintf("plugin: activate %s", id), err)
	}

	e.status = StatusActive

	return nil
}

// DeactivateAll deactivates every active plugin in reverse registration
// order.
func (h *Host) DeactivateAll(ctx context.Context) error {
	var firstErr error

	for i := len(h.order) - 1; i >= 0; i-- {
		id := h.order[i]
		e := h.entries[id]

		if e.status != StatusActive {
			continue
		}

		pctx := h.contextFor(id)
		if err := e.plugin.Deactivate(ctx, pctx); err != nil {
			e.status = StatusError
			e.err = err
			h.emitPluginError(id, "deactivate", err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		e.status = StatusInactive
	}

	return firstErr
}

// UninstallAll uninstalls every registered plugin in reverse registration
// order.
func (h *Host) UninstallAll(ctx context.Context) error {
	var firstErr error

	for i := len(h.order) - 1; i >= 0; i-- {
		id := h.order[i]
		e := h.entries[id]

		pctx := h.contextFor(id)
		if err := e.plugin.Uninstall(ctx, pctx); err != nil {
			e.status = StatusError
			e.err = err
			h.emitPluginError(id, "uninstall", err)

			if firstErr == nil {
				firstErr = err
			}

			continue
		}
	}

	return firstErr
}

// Status returns a plugin's current lifecycle status.
func (h *Host) Status(id string) (Status, error) {
	e, ok := h.entries[id]
	if !ok {
		return "", vaulterr.NotFound("plugin", id)
	}

	return e.status, nil
}

// IDs returns every registered plugin id in registration order.
func (h *Host) IDs() []string {
	ids := make([]string, len(h.order))
	copy(ids, h.order)

	return ids
}

// Metadata returns a registered plugin's metadata.
func (h *Host) Metadata(id string) (Metadata, error) {
	e, ok := h.entries[id]
	if !ok {
		return Metadata{}, vaulterr.NotFound("plugin", id)
	}

	return e.plugin.Metadata(), nil
}

// Activate activates a single plugin. Unlike ActivateAll it does not walk
// dependencies first; callers that need dependency ordering should use
// ActivateAll. Exported for CLI-driven `plugin enable`.
func (h *Host) Activate(ctx context.Context, id string) error {
	if _, ok := h.entries[id]; !ok {
		return vaulterr.NotFound("plugin", id)
	}

	return h.activate(ctx, id)
}

// Deactivate deactivates a single active plugin. Exported for CLI-driven
// `plugin disable`.
func (h *Host) Deactivate(ctx context.Context, id string) error {
	e, ok := h.entries[id]
	if !ok {
		return vaulterr.NotFound("plugin", id)
	}

	if e.status != StatusActive {
		return nil
	}

	pctx := h.contextFor(id)
	if err := e.plugin.Deactivate(ctx, pctx); err != nil {
		e.status = StatusError
		e.err = err
		h.emitPluginError(id, "deactivate", err)

		return vaulterr.Wrap(vaulterr.KindPluginLoad, fmt.Sprintf("plugin: deactivate %s", id), err)
	}

	e.status = StatusInactive

	return nil
}

func (h *Host) contextFor(id string) *Context {
	return &Context{
		Kernel: h.k,
		Bus:    h.bus,
		Logger: logging.Scoped(h.logger, id),
		getPlugin: func(lookupID string) (Plugin, bool) {
			e, ok := h.entries[lookupID]
			if !ok {
				return nil, false
			}

			return e.plugin, true
		},
	}
}

func (h *Host) emitPluginError(id, phase string, err error) {
	h.bus.Emit(eventbus.Event{
		Type: eventbus.PluginError,
		Data: map[string]any{"pluginId": id, "phase": phase, "error": err.Error()},
	})
}

// topoSort orders plugins so every dependency precedes its dependents,
// failing with InvalidOperation on a cycle (spec ยง4.g "failing the whole
// startup on a cycle").
func (h *Host) topoSort() ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(h.order))
	var result []string

	var visit func(id string) error

	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return vaulterr.InvalidOperation(fmt.Sprintf("plugin: dependency cycle detected at %q", id))
		}

		color[id] = gray

		e, ok := h.entries[id]
		if !ok {
			return vaulterr.NotFound("plugin dependency", id)
		}

		deps := append([]string(nil), e.plugin.Metadata().Dependencies...)
		sort.Strings(deps)

		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		color[id] = black
		result = append(result, id)

		return nil
	}

	for _, id := range h.order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	return result, nil
}
