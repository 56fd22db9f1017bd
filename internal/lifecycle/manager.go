// Package lifecycle loads, supervises, and unloads plugins. It drives each
// plugin through manifest validation, capability granting, and sandbox
// setup, and keeps teardown atomic: a plugin never exists in a state where
// its sandbox is gone but its grant remains, or the reverse.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/modulaur/modulaur/internal/capability"
	"github.com/modulaur/modulaur/internal/logger"
	"github.com/modulaur/modulaur/internal/manifest"
	"github.com/modulaur/modulaur/internal/panel"
	"github.com/modulaur/modulaur/internal/sandbox"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Status is a plugin's position in the load state machine.
type Status string

const (
	StatusDiscovered        Status = "discovered"
	StatusManifestValid     Status = "manifest_valid"
	StatusCapabilityGranted Status = "capability_granted"
	StatusSandboxReady      Status = "sandbox_ready"
	StatusActive            Status = "active"
	StatusFailed            Status = "failed"
	StatusUnloaded          Status = "unloaded"
)

// Event reports a plugin's transition to a new status.
type Event struct {
	PluginID string
	Status   Status
	Err      error
}

// EventFunc receives lifecycle events. Callbacks run synchronously on the
// loading goroutine and must not call back into the Manager.
type EventFunc func(Event)

// PluginInfo is the externally visible summary of a loaded plugin.
type PluginInfo struct {
	ID         string    `json:"id"`
	Version    string    `json:"version,omitempty"`
	Status     Status    `json:"status"`
	HasBackend bool      `json:"has_backend"`
	Dir        string    `json:"dir,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type pluginState struct {
	manifest *manifest.Manifest
	status   Status
	host     *sandbox.Host // nil for frontend-only plugins
	loadedAt time.Time
	err      error
}

// Options configures a Manager.
type Options struct {
	Engine        sandbox.Engine
	Registry      *capability.Registry
	Panels        *panel.Registry
	Services      *sandbox.Services
	InvokeTimeout time.Duration
	Logger        *logger.Logger
}

// Manager owns the plugin table.
type Manager struct {
	engine        sandbox.Engine
	registry      *capability.Registry
	panels        *panel.Registry
	services      *sandbox.Services
	invokeTimeout time.Duration
	log           *logger.Logger

	mu      sync.RWMutex
	plugins map[string]*pluginState

	eventMu sync.RWMutex
	events  []EventFunc
}

// NewManager wires a Manager from its components.
func NewManager(opts Options) *Manager {
	if opts.Panels == nil {
		opts.Panels = panel.NewRegistry()
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = sandbox.DefaultInvokeTimeout
	}
	return &Manager{
		engine:        opts.Engine,
		registry:      opts.Registry,
		panels:        opts.Panels,
		services:      opts.Services,
		invokeTimeout: opts.InvokeTimeout,
		log:           opts.Logger.WithComponent("lifecycle"),
		plugins:       make(map[string]*pluginState),
	}
}

// OnEvent registers a lifecycle event callback.
func (m *Manager) OnEvent(fn EventFunc) {
	m.eventMu.Lock()
	m.events = append(m.events, fn)
	m.eventMu.Unlock()
}

func (m *Manager) emit(pluginID string, status Status, err error) {
	m.eventMu.RLock()
	fns := m.events
	m.eventMu.RUnlock()
	for _, fn := range fns {
		fn(Event{PluginID: pluginID, Status: status, Err: err})
	}
}

// LoadAll discovers and loads every plugin directory under dir. A plugin
// directory is any immediate subdirectory containing a manifest.json. One
// plugin's failure never aborts the others; failures are recorded on the
// plugin entry and reported through events.
func (m *Manager) LoadAll(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read plugin directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginDir, "manifest.json")); err != nil {
			continue
		}
		if _, err := m.Load(ctx, pluginDir); err != nil {
			m.log.Error(err, fmt.Sprintf("failed to load plugin from %s", pluginDir))
		}
	}
	return nil
}

// Load loads one plugin from its directory: validate the manifest, grant
// declared capabilities, compile the backend (when present), and register
// frontend panels. On any failure the steps already taken are rolled back
// and the plugin is recorded as failed.
func (m *Manager) Load(ctx context.Context, dir string) (*PluginInfo, error) {
	man, err := manifest.Load(dir)
	if err != nil {
		id := filepath.Base(dir)
		m.recordFailure(id, nil, err)
		return nil, err
	}
	id := man.Name
	if id == "" {
		id = filepath.Base(dir)
	}
	m.emit(id, StatusDiscovered, nil)

	// Reserve the id before any step with side effects. Two concurrent
	// loads of the same plugin resolve here: the loser returns without
	// touching the winner's entry, grant, or sandbox.
	m.mu.Lock()
	if existing, ok := m.plugins[id]; ok && existing.status != StatusUnloaded && existing.status != StatusFailed {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %q is already loaded", id)
	}
	m.plugins[id] = &pluginState{manifest: man, status: StatusDiscovered}
	m.mu.Unlock()

	if err := man.Validate(); err != nil {
		m.recordFailure(id, man, err)
		return nil, err
	}
	m.emit(id, StatusManifestValid, nil)

	caps := man.DeclaredCapabilities()
	grant := capability.Grant{
		NetworkDomains: caps.NetworkDomains,
		RecordTypes:    caps.RecordTypes,
	}
	if err := m.registry.GrantPlugin(id, grant); err != nil {
		m.recordFailure(id, man, err)
		return nil, err
	}
	m.emit(id, StatusCapabilityGranted, nil)

	var host *sandbox.Host
	if man.HasBackend() {
		host, err = m.buildSandbox(ctx, id, man)
		if err != nil {
			m.registry.Revoke(id)
			m.recordFailure(id, man, err)
			return nil, err
		}
		m.emit(id, StatusSandboxReady, nil)
	}

	if man.Frontend != nil {
		if err := m.panels.RegisterComponents(id, man.Frontend.Components); err != nil {
			if host != nil {
				_ = host.Close(ctx)
			}
			m.registry.Revoke(id)
			m.panels.UnregisterPlugin(id)
			m.recordFailure(id, man, err)
			return nil, err
		}
	}

	state := &pluginState{
		manifest: man,
		status:   StatusActive,
		host:     host,
		loadedAt: time.Now(),
	}
	m.mu.Lock()
	m.plugins[id] = state
	m.mu.Unlock()

	m.emit(id, StatusActive, nil)
	m.log.WithPlugin(id).Infof("plugin loaded (version %s)", man.Version)

	info := infoFor(id, state)
	return &info, nil
}

func (m *Manager) buildSandbox(ctx context.Context, id string, man *manifest.Manifest) (*sandbox.Host, error) {
	entry, err := man.ResolveEntry()
	if err != nil {
		return nil, err
	}
	wasm, err := os.ReadFile(entry)
	if err != nil {
		return nil, runtimeerrors.NewManifestError(id, "backend.entry",
			fmt.Sprintf("cannot read %s", entry), err)
	}
	api := m.services.ForPlugin(id)
	return sandbox.NewHost(ctx, m.engine, id, wasm, api, sandbox.HostOptions{
		InvokeTimeout: m.invokeTimeout,
		Logger:        m.log,
	})
}

func (m *Manager) recordFailure(id string, man *manifest.Manifest, err error) {
	m.mu.Lock()
	m.plugins[id] = &pluginState{manifest: man, status: StatusFailed, err: err}
	m.mu.Unlock()
	m.emit(id, StatusFailed, err)
}

// Unload tears down a plugin. Sandbox teardown, grant revocation and panel
// deregistration happen under one lock, so there is no window where part of
// the plugin is still live.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.plugins[id]
	if !ok {
		return fmt.Errorf("plugin %q is not loaded", id)
	}
	if state.status == StatusUnloaded {
		return nil
	}

	if state.host != nil {
		if err := state.host.Close(ctx); err != nil {
			m.log.Error(err, "sandbox teardown reported an error")
		}
		state.host = nil
	}
	m.registry.Revoke(id)
	m.panels.UnregisterPlugin(id)
	state.status = StatusUnloaded

	m.emit(id, StatusUnloaded, nil)
	m.log.WithPlugin(id).Info("plugin unloaded")
	return nil
}

// Reload is unload followed by a fresh load from the same directory. It is
// never an in-place mutation: stale capabilities or memory cannot leak
// across versions.
func (m *Manager) Reload(ctx context.Context, id string) (*PluginInfo, error) {
	m.mu.RLock()
	state, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok || state.manifest == nil {
		return nil, fmt.Errorf("plugin %q is not loaded", id)
	}
	dir := state.manifest.Dir()
	if dir == "" {
		return nil, fmt.Errorf("plugin %q has no source directory", id)
	}

	if err := m.Unload(ctx, id); err != nil {
		return nil, err
	}
	return m.Load(ctx, dir)
}

// Invoke runs an exported backend function of an active plugin. A sandbox
// instance discarded by an earlier fault is replaced transparently.
func (m *Manager) Invoke(ctx context.Context, id, export string, payload []byte) ([]byte, error) {
	m.mu.RLock()
	state, ok := m.plugins[id]
	m.mu.RUnlock()

	if !ok || state.status == StatusUnloaded {
		return nil, fmt.Errorf("plugin %q is not loaded", id)
	}
	if state.status == StatusFailed {
		return nil, fmt.Errorf("plugin %q failed to load: %v", id, state.err)
	}
	if state.host == nil {
		return nil, fmt.Errorf("plugin %q has no backend", id)
	}
	return state.host.Invoke(ctx, export, payload)
}

// Plugin returns the info for one plugin.
func (m *Manager) Plugin(id string) (PluginInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.plugins[id]
	if !ok {
		return PluginInfo{}, false
	}
	return infoFor(id, state), true
}

// Plugins lists all known plugins, sorted by id.
func (m *Manager) Plugins() []PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PluginInfo, 0, len(m.plugins))
	for id, state := range m.plugins {
		out = append(out, infoFor(id, state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close unloads every plugin. In-flight invocations observe cancellation
// through their own contexts.
func (m *Manager) Close(ctx context.Context) error {
	for _, info := range m.Plugins() {
		if info.Status != StatusUnloaded {
			if err := m.Unload(ctx, info.ID); err != nil {
				m.log.Error(err, "unload during shutdown failed")
			}
		}
	}
	return nil
}

func infoFor(id string, state *pluginState) PluginInfo {
	info := PluginInfo{
		ID:       id,
		Status:   state.status,
		LoadedAt: state.loadedAt,
	}
	if state.manifest != nil {
		info.Version = state.manifest.Version
		info.Dir = state.manifest.Dir()
		info.HasBackend = state.manifest.HasBackend()
	}
	if state.err != nil {
		info.Error = state.err.Error()
	}
	return info
}
