// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/visorhq/visor/internal/plugin/capability"
	"github.com/visorhq/visor/internal/plugin/engine"
	pluginjs "github.com/visorhq/visor/internal/plugin/js"
	pluginlua "github.com/visorhq/visor/internal/plugin/lua"
	"github.com/visorhq/visor/internal/plugin/marshal"
	"github.com/visorhq/visor/internal/plugin/surface"
)

// Error codes returned by the manager.
const (
	ErrCodeDuplicatePlugin = "PLUGIN_DUPLICATE"
	ErrCodeUnsupported     = "PLUGIN_UNSUPPORTED"
	ErrCodeNotFound        = "PLUGIN_NOT_FOUND"
)

// DefaultGrants are granted to every managed plugin on top of its manifest
// capabilities.
var DefaultGrants = []string{"events.**", "tick"}

// SurfaceProvider lends capability objects to the surfaces of one plugin.
type SurfaceProvider interface {
	Provide(pluginName string, set *surface.Set)
}

// Manager discovers plugins and owns one Instance per loaded plugin.
type Manager struct {
	pluginsDir  string
	hostVersion string
	engines     map[EngineKind]engine.Engine
	provider    SurfaceProvider
	composer    Composer
	enforcer    *capability.Enforcer
	instOpts    []Option
	metricsFor  func(pluginName string) Metrics
	logger      *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*LoadedPlugin
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithEngine replaces the engine used for kind.
func WithEngine(kind EngineKind, eng engine.Engine) ManagerOption {
	return func(m *Manager) { m.engines[kind] = eng }
}

// WithSurfaceProvider sets what each plugin's surfaces are provided with.
// Without one the surfaces are provided empty capability objects.
func WithSurfaceProvider(p SurfaceProvider) ManagerOption {
	return func(m *Manager) { m.provider = p }
}

// WithComposer replaces NamespacedComposer.
func WithComposer(c Composer) ManagerOption {
	return func(m *Manager) { m.composer = c }
}

// WithHostVersion sets the version manifests' requires is checked against.
func WithHostVersion(v string) ManagerOption {
	return func(m *Manager) { m.hostVersion = v }
}

// WithEnforcer shares a capability enforcer with the manager.
func WithEnforcer(e *capability.Enforcer) ManagerOption {
	return func(m *Manager) { m.enforcer = e }
}

// WithInstanceOptions adds options applied to every instance, after the
// manager's own.
func WithInstanceOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.instOpts = append(m.instOpts, opts...) }
}

// WithMetricsFactory sets how each instance's metrics are created.
func WithMetricsFactory(fn func(pluginName string) Metrics) ManagerOption {
	return func(m *Manager) { m.metricsFor = fn }
}

// WithManagerLogger sets the manager's logger. It is also handed to every
// instance.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a plugin manager for pluginsDir.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		engines: map[EngineKind]engine.Engine{
			EngineLua: pluginlua.NewEngine(nil),
			EngineJS:  pluginjs.NewEngine(pluginjs.Config{}),
		},
		composer: NamespacedComposer,
		logger:   slog.Default(),
		loaded:   make(map[string]*LoadedPlugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.enforcer == nil {
		m.enforcer = capability.NewEnforcer()
	}
	return m
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// LoadedPlugin is a plugin the manager owns.
type LoadedPlugin struct {
	Manifest *Manifest
	Dir      string
	Instance *Instance
	Surfaces *surface.Set
}

// Discover finds all valid plugins in the plugins directory, sorted by
// name. Invalid plugins are logged and skipped; a missing directory holds
// no plugins.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.With("dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}

	var plugins []*DiscoveredPlugin
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.pluginsDir, entry.Name())
		manifest, err := ReadManifest(dir)
		if err != nil {
			m.logger.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}
		if other, dup := seen[manifest.Name]; dup {
			m.logger.Warn("skipping duplicate plugin",
				"plugin", manifest.Name,
				"dir", entry.Name(),
				"first_dir", other)
			continue
		}
		seen[manifest.Name] = entry.Name()
		plugins = append(plugins, &DiscoveredPlugin{Manifest: manifest, Dir: dir})
	}

	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Manifest.Name < plugins[j].Manifest.Name })
	return plugins, nil
}

// LoadAll discovers and loads every plugin, dependencies first. A plugin
// that fails to load, or whose dependencies are missing or failed, is
// logged and skipped so one broken plugin never stops the rest.
func (m *Manager) LoadAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	for _, dp := range loadOrder(discovered, m.logger) {
		if missing := m.unmetDependency(dp.Manifest); missing != "" {
			m.logger.Warn("skipping plugin with unmet dependency",
				"plugin", dp.Manifest.Name,
				"dependency", missing)
			continue
		}
		if _, err := m.Load(ctx, dp.Manifest, dp.Dir); err != nil {
			m.logger.Error("failed to load plugin",
				"plugin", dp.Manifest.Name,
				"error", err)
		}
	}
	return nil
}

// unmetDependency returns the first dependency of manifest that is not
// loaded at a satisfying version, or "".
func (m *Manager) unmetDependency(manifest *Manifest) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range manifest.DependencyNames() {
		dep, ok := m.loaded[name]
		if !ok || !manifest.Satisfies(name, dep.Manifest.Version) {
			return name
		}
	}
	return ""
}

// Load creates, grants, provides and loads one plugin. dir resolves the
// manifest's entry and may be empty for URL sources. A load error
// unregisters and disposes the instance.
func (m *Manager) Load(ctx context.Context, manifest *Manifest, dir string) (*Instance, error) {
	name := manifest.Name
	errb := oops.In("plugin_manager").With("plugin", name)
	if m.Get(name) != nil {
		return nil, errb.Code(ErrCodeDuplicatePlugin).Errorf("plugin already loaded")
	}

	if m.hostVersion != "" {
		ok, err := manifest.Supports(m.hostVersion)
		if err != nil {
			return nil, errb.Wrap(err)
		}
		if !ok {
			return nil, errb.Code(ErrCodeUnsupported).
				With("requires", manifest.Requires).
				With("host_version", m.hostVersion).
				Errorf("plugin does not support this host version")
		}
	}

	eng, ok := m.engines[manifest.Engine]
	if !ok || eng == nil {
		return nil, errb.Code(ErrCodeUnsupported).
			With("engine", manifest.Engine).
			Errorf("no engine for %q", manifest.Engine)
	}

	src, err := manifest.Source(dir)
	if err != nil {
		return nil, err
	}

	set := surface.NewSet()
	opts := append([]Option{
		WithName(name),
		WithLogger(m.logger),
		WithMarshal(marshal.NewPolicy(marshal.AllowHostFuncs)),
		WithCapabilityFilter(m.enforcer.FilterFunc(name)),
	}, m.instOpts...)
	if m.metricsFor != nil {
		opts = append(opts, WithMetrics(m.metricsFor(name)))
	}
	inst := NewInstance(eng, set, m.composer, opts...)

	lp := &LoadedPlugin{Manifest: manifest, Dir: dir, Instance: inst, Surfaces: set}
	m.mu.Lock()
	if _, dup := m.loaded[name]; dup {
		m.mu.Unlock()
		inst.Dispose()
		return nil, errb.Code(ErrCodeDuplicatePlugin).Errorf("plugin already loaded")
	}
	m.loaded[name] = lp
	m.mu.Unlock()

	// Grants are set only once the name is claimed, so a losing duplicate
	// never overwrites the winner's grants.
	grants := append(append([]string{}, DefaultGrants...), manifest.Capabilities...)
	if err := m.enforcer.SetGrants(name, grants); err != nil {
		m.remove(name, inst)
		return nil, errb.Code(ErrCodeInvalidManifest).Wrap(err)
	}

	if m.provider != nil {
		m.provider.Provide(name, set)
	} else {
		for _, s := range set.All() {
			s.Provide(map[string]any{})
		}
	}
	if err := inst.Load(ctx, src); err != nil {
		m.remove(name, inst)
		return nil, err
	}

	m.logger.Info("loaded plugin",
		"plugin", name,
		"engine", manifest.Engine,
		"version", manifest.Version,
		"instance_id", inst.ID())
	return inst, nil
}

func (m *Manager) remove(name string, inst *Instance) {
	m.mu.Lock()
	if lp, ok := m.loaded[name]; ok && lp.Instance == inst {
		delete(m.loaded, name)
	}
	m.mu.Unlock()
	m.enforcer.RemoveGrants(name)
	inst.Dispose()
}

// Get returns a loaded plugin, or nil.
func (m *Manager) Get(name string) *LoadedPlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded[name]
}

// ListPlugins returns names of all loaded plugins, sorted.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish delivers msg to the bus of the named plugin, or of every plugin
// when name is empty. It returns how many instances accepted the message.
func (m *Manager) Publish(name string, msg any) (int, error) {
	if name != "" {
		lp := m.Get(name)
		if lp == nil {
			return 0, oops.Code(ErrCodeNotFound).With("plugin", name).Errorf("plugin not loaded")
		}
		if err := lp.Instance.Publish(msg); err != nil {
			return 0, oops.With("plugin", name).Wrap(err)
		}
		return 1, nil
	}

	delivered := 0
	for _, n := range m.ListPlugins() {
		lp := m.Get(n)
		if lp == nil {
			continue
		}
		if err := lp.Instance.Publish(msg); err != nil {
			m.logger.Debug("publish skipped plugin", "plugin", n, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Unload disposes one plugin.
func (m *Manager) Unload(name string) error {
	lp := m.Get(name)
	if lp == nil {
		return oops.Code(ErrCodeNotFound).With("plugin", name).Errorf("plugin not loaded")
	}
	m.remove(name, lp.Instance)
	m.logger.Info("unloaded plugin", "plugin", name)
	return nil
}

// PluginStatus is a point-in-time view of one loaded plugin.
type PluginStatus struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Engine     string `json:"engine"`
	State      string `json:"state"`
	InstanceID string `json:"instance_id"`
}

// Status returns the status of every loaded plugin, sorted by name.
func (m *Manager) Status() []PluginStatus {
	names := m.ListPlugins()
	out := make([]PluginStatus, 0, len(names))
	for _, name := range names {
		lp := m.Get(name)
		if lp == nil {
			continue
		}
		out = append(out, PluginStatus{
			Name:       name,
			Version:    lp.Manifest.Version,
			Engine:     string(lp.Manifest.Engine),
			State:      lp.Instance.State().String(),
			InstanceID: lp.Instance.ID().String(),
		})
	}
	return out
}

// Ready reports whether every loaded plugin is ready.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lp := range m.loaded {
		if lp.Instance.State() != StateReady {
			return false
		}
	}
	return true
}

// Close disposes every plugin, dependents before their dependencies.
func (m *Manager) Close(_ context.Context) error {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = make(map[string]*LoadedPlugin)
	m.mu.Unlock()

	plugins := make([]*DiscoveredPlugin, 0, len(loaded))
	for _, lp := range loaded {
		plugins = append(plugins, &DiscoveredPlugin{Manifest: lp.Manifest, Dir: lp.Dir})
	}
	order := loadOrder(plugins, m.logger)
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i].Manifest.Name
		loaded[name].Instance.Dispose()
		m.enforcer.RemoveGrants(name)
		delete(loaded, name)
	}
	for name, lp := range loaded {
		lp.Instance.Dispose()
		m.enforcer.RemoveGrants(name)
	}
	return nil
}

// loadOrder sorts plugins so dependencies come first. Plugins in a
// dependency cycle are logged and dropped; dependencies outside the set are
// left for the caller to check.
func loadOrder(plugins []*DiscoveredPlugin, logger *slog.Logger) []*DiscoveredPlugin {
	byName := make(map[string]*DiscoveredPlugin, len(plugins))
	for _, p := range plugins {
		byName[p.Manifest.Name] = p
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(plugins))
	cyclic := make(map[string]bool)
	order := make([]*DiscoveredPlugin, 0, len(plugins))

	var visit func(p *DiscoveredPlugin) bool
	visit = func(p *DiscoveredPlugin) bool {
		name := p.Manifest.Name
		switch state[name] {
		case visiting:
			return false
		case done:
			return !cyclic[name]
		}
		state[name] = visiting
		ok := true
		for _, dep := range p.Manifest.DependencyNames() {
			if d, exists := byName[dep]; exists && !visit(d) {
				ok = false
			}
		}
		state[name] = done
		if !ok {
			cyclic[name] = true
			logger.Warn("skipping plugin in dependency cycle", "plugin", name)
			return false
		}
		order = append(order, p)
		return true
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(byName[name])
	}
	return order
}
