package plugin

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Registry manages loaded plugins.
type Registry struct {
	sync.RWMutex
	plugins map[string]*Plugin               // name -> plugin
	byType  map[protocol.EntryType][]*Plugin // entry type -> plugins, in registration order
	logger  *zap.Logger
}

// NewRegistry creates a new plugin registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		byType:  make(map[protocol.EntryType][]*Plugin),
		logger:  logger.With(zap.String("component", "plugin-registry")),
	}
}

// Register adds a plugin to the registry.
func (r *Registry) Register(p *Plugin) error {
	r.Lock()
	defer r.Unlock()

	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		return &AlreadyRegisteredError{PluginName: name}
	}

	r.plugins[name] = p
	for _, t := range p.EntryTypes() {
		r.byType[t] = append(r.byType[t], p)
	}

	r.logger.Info("Plugin registered",
		zap.String("name", name),
		zap.Stringers("entry_types", p.EntryTypes()),
	)

	return nil
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.plugins[name]
	return p, ok
}

// LookupByType finds the plugins handling entry type t, first registered
// first.
func (r *Registry) LookupByType(t protocol.EntryType) []*Plugin {
	r.RLock()
	defer r.RUnlock()

	plugins := r.byType[t]
	result := make([]*Plugin, len(plugins))
	copy(result, plugins)
	return result
}

// List returns all registered plugins sorted by name.
func (r *Registry) List() []*Plugin {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Unregister removes a plugin from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	p, ok := r.plugins[name]
	if !ok {
		return
	}

	for _, t := range p.EntryTypes() {
		plugins := r.byType[t]
		for i, other := range plugins {
			if other.Name() == name {
				r.byType[t] = append(plugins[:i:i], plugins[i+1:]...)
				break
			}
		}
	}

	delete(r.plugins, name)

	r.logger.Info("Plugin unregistered", zap.String("name", name))
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.plugins)
}
