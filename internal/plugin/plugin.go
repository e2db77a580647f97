// Package plugin discovers ingestion plugins on disk, indexes them by the
// entry types they handle and dispatches entries to them.
package plugin

import (
	"slices"
	"time"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/internal/wasm"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Plugin is a loaded plugin with its manifest and compiled Wasm module.
type Plugin struct {
	// Manifest is the parsed plugin metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the plugin was loaded
	LoadedAt time.Time
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.Manifest.Name
}

// Version returns the plugin version.
func (p *Plugin) Version() string {
	return p.Manifest.Version
}

// EntryTypes returns the entry types the plugin handles.
func (p *Plugin) EntryTypes() []protocol.EntryType {
	return p.Manifest.Types()
}

// Capabilities returns the host imports granted to the plugin.
func (p *Plugin) Capabilities() []abi.Capability {
	return p.Manifest.Granted()
}

// Accepts reports whether the plugin handles entries of type t.
func (p *Plugin) Accepts(t protocol.EntryType) bool {
	return slices.Contains(p.Manifest.Types(), t)
}
