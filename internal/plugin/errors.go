package plugin

import (
	"fmt"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced in a manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// LoadError occurs when plugin loading fails.
type LoadError struct {
	PluginName string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin '%s': %v", e.PluginName, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NotFoundError occurs when a plugin is not in the registry.
type NotFoundError struct {
	PluginName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin '%s' not found", e.PluginName)
}

// AlreadyRegisteredError occurs when registering a duplicate plugin.
type AlreadyRegisteredError struct {
	PluginName string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("plugin '%s' is already registered", e.PluginName)
}

// NoPluginsFoundError occurs when no plugins are found in the configured paths.
type NoPluginsFoundError struct {
	Paths []string
}

func (e *NoPluginsFoundError) Error() string {
	return fmt.Sprintf("no plugins found in paths: %v", e.Paths)
}

// NoPluginForTypeError occurs when no registered plugin accepts an entry type.
type NoPluginForTypeError struct {
	Type protocol.EntryType
}

func (e *NoPluginForTypeError) Error() string {
	return fmt.Sprintf("no plugin handles entries of type %s", e.Type)
}
