// Package module implements named top-level subtrees with a persisted
// registry (spec ยง4.f, ยง3.1 "Module"). The registry itself lives inside
// the VFS it describes, at the reserved path /__vfs_meta__/modules.json,
// so it is backed up and restored by the same mechanisms as user data.
package module

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vaultfs/vaultfs/internal/kernel"
	"github.com/vaultfs/vaultfs/internal/pathutil"
	"github.com/vaultfs/vaultfs/internal/vaulterr"
)

// RegistryPath is the reserved path of the module registry file (spec ยง6.2).
const RegistryPath = "/__vfs_meta__/modules.json"

// ReservedSyncModuleName is the well-known, protected module that holds
// the sync engine's own cursors and peer state (spec ยง4.r, ยง6.2). Any
// path under this module is excluded from sync filtering: the packet
// builder skips it, and its own writes never produce sync log rows.
const ReservedSyncModuleName = "__sync__"

const registrySchemaVersion = 2

// Module is a named top-level subtree (spec ยง3.1).
type Module struct {
	Name        string         `json:"name"`
	RootNodeID  string         `json:"rootNodeId"`
	Description string         `json:"description,omitempty"`
	IsProtected bool           `json:"isProtected"`
	SyncEnabled bool           `json:"syncEnabled"`
	CreatedAt   int64          `json:"createdAt"`
	ModifiedAt  int64          `json:"modifiedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type registryFile struct {
	Version int      `json:"version"`
	Modules []Module `json:"modules"`
}

// Manager owns the module registry over a kernel instance. Registry reads
// and writes go through the same transactional kernel operations as any
// other file, so the registry is never in a half-written state.
type Manager struct {
	k *kernel.Kernel

	mu sync.Mutex

	nowFn func() int64
}

// New creates a module Manager bound to k.
func New(k *kernel.Kernel, nowFn func() int64) *Manager {
	return &Manager{k: k, nowFn: nowFn}
}

// EnsureRegistry creates /__vfs_meta__ and an empty registry file if
// neither exists yet. Call after kernel.Initialize.
func (m *Manager) EnsureRegistry(ctx context.Context) error {
	if _, err := m.k.EnsureDirectory(ctx, pathutil.Dirname(RegistryPath)); err != nil {
		return err
	}

	if exists, err := m.k.Exists(ctx, RegistryPath); err != nil {
		return err
	} else if exists {
		return nil
	}

	return m.save(ctx, registryFile{Version: registrySchemaVersion})
}

// CreateModule registers a new top-level subtree rooted at /name and
// persists it in the registry.
func (m *Manager) CreateModule(ctx context.Context, name, description string, isProtected, syncEnabled bool) (*Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, mod := range reg.Modules {
		if mod.Name == name {
			return nil, vaulterr.AlreadyExists("module:" + name)
		}
	}

	rootPath := pathutil.Join(pathutil.Root, name)

	root, err := m.k.CreateNode(ctx, rootPath, kernel.TypeDirectory, nil, nil)
	if err != nil {
		return nil, err
	}

	now := m.nowFn()
	mod := Module{
		Name:        name,
		RootNodeID:  root.NodeID,
		Description: description,
		IsProtected: isProtected,
		SyncEnabled: syncEnabled,
		CreatedAt:   now,
		ModifiedAt:  now,
	}

	reg.Modules = append(reg.Modules, mod)

	if err := m.save(ctx, reg); err != nil {
		return nil, err
	}

	return &mod, nil
}

// RemoveModule unmounts a module: deletes its subtree and removes it from
// the registry. Protected modules cannot be unmounted (spec ยง3.1).
func (m *Manager) RemoveModule(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load(ctx)
	if err != nil {
		return err
	}

	idx := -1

	for i, mod := range reg.Modules {
		if mod.Name == name {
			idx = i
			break
		}
	}

	if idx < 0 {
		return vaulterr.NotFound("module", name)
	}

	mod := reg.Modules[idx]

	if mod.IsProtected {
		return vaulterr.InvalidOperation("module: cannot unmount a protected module")
	}

	if _, err := m.k.Unlink(ctx, mod.RootNodeID, true); err != nil {
		return err
	}

	reg.Modules = append(reg.Modules[:idx], reg.Modules[idx+1:]...)

	return m.save(ctx, reg)
}

// GetModule returns the registry entry for name.
func (m *Manager) GetModule(ctx context.Context, name string) (*Module, error) {
	reg, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	for _, mod := range reg.Modules {
		if mod.Name == name {
			modCopy := mod
			return &modCopy, nil
		}
	}

	return nil, vaulterr.NotFound("module", name)
}

// ModuleForPath returns the module owning path, if path falls under one
// of the registered top-level subtrees.
func (m *Manager) ModuleForPath(ctx context.Context, path string) (*Module, error) {
	reg, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	path = pathutil.Normalize(path)

	for _, mod := range reg.Modules {
		if pathutil.IsSubPath(pathutil.Join(pathutil.Root, mod.Name), path) {
			modCopy := mod
			return &modCopy, nil
		}
	}

	return nil, vaulterr.NotFound("module for path", path)
}

// SetSyncEnabled toggles a module's sync flag.
func (m *Manager) SetSyncEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, err := m.load(ctx)
	if err != nil {
		return err
	}

	found := false

	for i := range reg.Modules {
		if reg.Modules[i].Name == name {
			reg.Modules[i].SyncEnabled = enabled
			reg.Modules[i].ModifiedAt = m.nowFn()
			found = true

			break
		}
	}

	if !found {
		return vaulterr.NotFound("module", name)
	}

	return m.save(ctx, reg)
}

// ListModules returns every registered module, sorted by name.
func (m *Manager) ListModules(ctx context.Context) ([]Module, error) {
	reg, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(reg.Modules, func(i, j int) bool { return reg.Modules[i].Name < reg.Modules[j].Name })

	return reg.Modules, nil
}

func (m *Manager) load(ctx context.Context) (registryFile, error) {
	n, err := m.k.GetNodeByPath(ctx, RegistryPath)
	if err != nil {
		if vaulterr.IsNotFound(err) {
			return registryFile{Version: registrySchemaVersion}, nil
		}

		return registryFile{}, err
	}

	data, err := m.k.Read(ctx, n.NodeID)
	if err != nil {
		return registryFile{}, err
	}

	var reg registryFile
	if len(data) > 0 {
		if err := json.Unmarshal(data, &reg); err != nil {
			return registryFile{}, vaulterr.Wrap(vaulterr.KindStorage, "module: decode registry", err)
		}
	}

	if reg.Version == 0 {
		reg.Version = registrySchemaVersion
	}

	if err := applyLegacySyncDefault(data, &reg); err != nil {
		return registryFile{}, err
	}

	return reg, nil
}

// applyLegacySyncDefault defaults syncEnabled to true for registry rows
// written before the field existed (spec ยง6.2 "Legacy rows without
// syncEnabled default to true on load"). Struct-level unmarshaling cannot
// distinguish an omitted field from an explicit false, so presence is
// checked against the raw JSON instead.
func applyLegacySyncDefault(data []byte, reg *registryFile) error {
	if len(data) == 0 {
		return nil
	}

	var raw struct {
		Modules []map[string]json.RawMessage `json:"modules"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return vaulterr.Wrap(vaulterr.KindStorage, "module: decode registry (legacy check)", err)
	}

	for i, rawMod := range raw.Modules {
		if i >= len(reg.Modules) {
			break
		}

		if _, present := rawMod["syncEnabled"]; !present {
			reg.Modules[i].SyncEnabled = true
		}
	}

	return nil
}

func (m *Manager) save(ctx context.Context, reg registryFile) error {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindStorage, "module: encode registry", err)
	}

	_, err = m.k.CreateNodeIfNotExists(ctx, RegistryPath, kernel.TypeFile, data, nil)
	if err != nil {
		return err
	}

	n, err := m.k.GetNodeByPath(ctx, RegistryPath)
	if err != nil {
		return err
	}

	_, err = m.k.Write(ctx, n.NodeID, data)

	return err
}
