// Package panel tracks the frontend components plugins contribute. The
// runtime never loads frontend code itself; it only records what exists so
// the surrounding application can look panels up by plugin and name.
package panel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modulaur/modulaur/internal/manifest"
)

// Descriptor identifies one contributed panel.
type Descriptor struct {
	PluginID    string `json:"plugin_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

type panelKey struct {
	pluginID string
	name     string
}

// Registry is the in-memory panel factory table. Lookup is by
// (plugin, name) composition, not inheritance; a plugin cannot shadow
// another plugin's panels.
type Registry struct {
	mu     sync.RWMutex
	panels map[panelKey]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{panels: make(map[panelKey]Descriptor)}
}

// Register adds one descriptor. Registering the same (plugin, name) twice
// without an intervening unregister is an error.
func (r *Registry) Register(d Descriptor) error {
	if d.PluginID == "" || d.Name == "" {
		return fmt.Errorf("panel descriptor needs plugin id and name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := panelKey{pluginID: d.PluginID, name: d.Name}
	if _, exists := r.panels[key]; exists {
		return fmt.Errorf("panel %q already registered for plugin %q", d.Name, d.PluginID)
	}
	r.panels[key] = d
	return nil
}

// RegisterComponents registers every component a manifest declares.
func (r *Registry) RegisterComponents(pluginID string, comps []manifest.Component) error {
	for _, c := range comps {
		err := r.Register(Descriptor{
			PluginID:    pluginID,
			Type:        c.Type,
			Name:        c.Name,
			DisplayName: c.DisplayName,
			Description: c.Description,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UnregisterPlugin removes all of a plugin's panels and reports how many
// were removed.
func (r *Registry) UnregisterPlugin(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key := range r.panels {
		if key.pluginID == pluginID {
			delete(r.panels, key)
			n++
		}
	}
	return n
}

// Lookup finds one panel by plugin and name.
func (r *Registry) Lookup(pluginID, name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.panels[panelKey{pluginID: pluginID, name: name}]
	return d, ok
}

// List returns all descriptors, ordered by plugin then name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.panels))
	for _, d := range r.panels {
		out = append(out, d)
	}
	sortDescriptors(out)
	return out
}

// ListByType returns descriptors of one panel type, ordered by plugin then
// name.
func (r *Registry) ListByType(panelType string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Descriptor
	for _, d := range r.panels {
		if d.Type == panelType {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out
}

func sortDescriptors(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].PluginID != ds[j].PluginID {
			return ds[i].PluginID < ds[j].PluginID
		}
		return ds[i].Name < ds[j].Name
	})
}
