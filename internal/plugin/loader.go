package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/internal/wasm"
)

// Loader handles loading plugins from disk.
type Loader struct {
	runtime      *wasm.Runtime
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new plugin loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		runtime:      runtime,
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "plugin-loader")),
	}
}

// LoadPlugin loads a single plugin from a directory.
func (l *Loader) LoadPlugin(ctx context.Context, dir string) (*Plugin, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading plugin",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Strings("entry_types", manifest.EntryTypes),
	)

	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.Name, manifest.WasmPath())
	if err != nil {
		return nil, &LoadError{
			PluginName: manifest.Name,
			Err:        err,
		}
	}

	p := &Plugin{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Plugin loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
	)

	return p, nil
}

// FindPluginDirs returns the directories under the given paths that hold a
// manifest, at any depth. A path may itself be a doublestar pattern
// ("plugins/*-v2"). Missing paths are skipped.
func FindPluginDirs(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var dirs []string

	for _, base := range paths {
		pattern := filepath.ToSlash(filepath.Join(base, "**", ManifestFile))
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("scanning '%s': %w", base, err)
		}
		for _, m := range matches {
			dir := filepath.Dir(m)
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}

	sort.Strings(dirs)
	return dirs, nil
}

// DiscoverPlugins scans the given paths for plugins and loads them. Plugins
// that fail to load are logged and skipped.
func (l *Loader) DiscoverPlugins(ctx context.Context, paths []string) ([]*Plugin, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			l.logger.Warn("Plugin path does not exist", zap.String("path", p))
		}
	}

	dirs, err := FindPluginDirs(paths)
	if err != nil {
		return nil, err
	}

	var (
		plugins []*Plugin
		errs    []error
	)
	for _, dir := range dirs {
		p, err := l.LoadPlugin(ctx, dir)
		if err != nil {
			l.logger.Error("Failed to load plugin",
				zap.String("dir", dir),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		plugins = append(plugins, p)
	}

	if len(plugins) > 0 && len(errs) > 0 {
		l.logger.Warn("Some plugins failed to load",
			zap.Int("loaded", len(plugins)),
			zap.Int("failed", len(errs)),
		)
	}

	if len(plugins) == 0 {
		return nil, &NoPluginsFoundError{Paths: paths}
	}

	return plugins, nil
}
