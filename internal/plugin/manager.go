package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/keystroke-tools/hub/internal/config"
	"github.com/keystroke-tools/hub/internal/metrics"
	"github.com/keystroke-tools/hub/internal/wasm"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// EntryRecorder records entries before they are handed to a plugin.
type EntryRecorder interface {
	CreateEntry(ctx context.Context, e protocol.Entry) error
}

// invoker runs one entry through a plugin instance.
type invoker interface {
	Invoke(ctx context.Context, cfg *wasm.InstanceConfig, entry protocol.Entry) error
}

// Manager manages plugin lifecycle and dispatches entries.
type Manager struct {
	cfg      *config.Config
	runtime  *wasm.Runtime
	loader   *Loader
	registry *Registry
	invoker  invoker
	entries  EntryRecorder
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted
	logger   *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics records invocations in m.
func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a new plugin manager.
func NewManager(
	cfg *config.Config,
	runtime *wasm.Runtime,
	hostFuncs *wasm.HostFunctionsImpl,
	entries EntryRecorder,
	logger *zap.Logger,
	opts ...ManagerOption,
) *Manager {
	concurrency := int64(cfg.Concurrency)
	if concurrency <= 0 {
		concurrency = 1
	}
	m := &Manager{
		cfg:      cfg,
		runtime:  runtime,
		loader:   NewLoader(runtime, logger),
		registry: NewRegistry(logger),
		invoker:  wasm.NewInstanceManager(runtime, hostFuncs, logger),
		entries:  entries,
		sem:      semaphore.NewWeighted(concurrency),
		logger:   logger.With(zap.String("component", "plugin-manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAll discovers and loads all plugins from configured paths.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("plugins already loaded")
	}

	m.logger.Info("Loading plugins",
		zap.Strings("paths", m.cfg.PluginPaths),
	)

	plugins, err := m.loader.DiscoverPlugins(ctx, m.cfg.PluginPaths)
	if err != nil {
		var none *NoPluginsFoundError
		if errors.As(err, &none) {
			m.logger.Warn("No plugins found in configured paths",
				zap.Strings("paths", m.cfg.PluginPaths),
			)
			m.loaded = true
			return nil
		}
		return err
	}

	for _, p := range plugins {
		if err := m.registry.Register(p); err != nil {
			m.logger.Error("Failed to register plugin",
				zap.String("name", p.Name()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Plugins loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// GetPlugin retrieves a plugin by name.
func (m *Manager) GetPlugin(name string) (*Plugin, error) {
	p, ok := m.registry.Get(name)
	if !ok {
		return nil, &NotFoundError{PluginName: name}
	}
	return p, nil
}

// FindPluginForType returns the first registered plugin handling t.
func (m *Manager) FindPluginForType(t protocol.EntryType) (*Plugin, error) {
	plugins := m.registry.LookupByType(t)
	if len(plugins) == 0 {
		return nil, &NoPluginForTypeError{Type: t}
	}
	return plugins[0], nil
}

// Dispatch records entry and runs it through the plugin handling its type,
// in a fresh instance. It returns the name of the plugin that ran. At most
// cfg.Concurrency entries run at once; Dispatch blocks for a slot.
func (m *Manager) Dispatch(ctx context.Context, entry protocol.Entry) (string, error) {
	p, err := m.FindPluginForType(entry.Type)
	if err != nil {
		return "", err
	}

	if m.entries != nil {
		if err := m.entries.CreateEntry(ctx, entry); err != nil {
			return p.Name(), fmt.Errorf("recording entry %s: %w", entry.ID, err)
		}
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return p.Name(), err
	}
	defer m.sem.Release(1)

	logger := m.logger.With(zap.String("plugin", p.Name()), zap.String("entry_id", entry.ID))
	logger.Debug("Dispatching entry", zap.Stringer("type", entry.Type))

	var finish func(error)
	if m.metrics != nil {
		finish = m.metrics.StartInvocation(p.Name())
	}
	start := time.Now()

	err = m.invoker.Invoke(ctx, &wasm.InstanceConfig{
		ModuleName:   p.Name(),
		Capabilities: p.Capabilities(),
		Timeout:      m.cfg.Wasm.Timeout(),
	}, entry)

	if finish != nil {
		finish(err)
	}
	if err != nil {
		logger.Warn("Entry failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return p.Name(), err
	}
	logger.Info("Entry processed", zap.Duration("duration", time.Since(start)))
	return p.Name(), nil
}

// Shutdown gracefully shuts down all plugins.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down plugin manager")

	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Plugin manager shutdown complete")
	return nil
}

// Registry returns the plugin registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether plugins have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// CountingStore wraps a wasm.EntryStore and counts created chunks in m.
type CountingStore struct {
	wasm.EntryStore
	Metrics *metrics.Metrics
}

// CreateChunks stores chunks and counts them.
func (s CountingStore) CreateChunks(ctx context.Context, entryID string, chunks []protocol.Chunk) (int, error) {
	n, err := s.EntryStore.CreateChunks(ctx, entryID, chunks)
	if err == nil {
		s.Metrics.AddChunks(n)
	}
	return n, err
}
