package plugin

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// ManifestFile is the name of a plugin manifest inside its directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the plugin manifest.yaml structure.
type Manifest struct {
	Name         string           `yaml:"name"`
	Version      string           `yaml:"version"`
	EntryTypes   []string         `yaml:"entry_types"`
	Wasm         WasmConfig       `yaml:"wasm"`
	Capabilities []abi.Capability `yaml:"capabilities"`
	Author       string           `yaml:"author"`
	License      string           `yaml:"license"`

	// Internal fields
	dir   string // Directory containing manifest
	types []protocol.EntryType
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file"`
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Manifest) invalid(field, format string, args ...any) error {
	return &ManifestValidationError{
		Path:    m.Path(),
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate checks manifest fields and resolves the entry types.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return m.invalid("name", "name is required")
	}

	if m.Version == "" {
		return m.invalid("version", "version is required")
	}

	if len(m.EntryTypes) == 0 {
		return m.invalid("entry_types", "at least one entry type is required")
	}

	m.types = m.types[:0]
	for _, name := range m.EntryTypes {
		t, err := protocol.ParseEntryType(name)
		if err != nil || t == protocol.TypeUnknown {
			return m.invalid("entry_types", "unknown entry type: %s", name)
		}
		m.types = append(m.types, t)
	}

	if m.Wasm.File == "" {
		return m.invalid("wasm.file", "wasm.file is required")
	}

	for _, c := range m.Capabilities {
		if !c.Valid() {
			return m.invalid("capabilities", "unknown capability: %s", c)
		}
	}

	if _, err := os.Stat(m.WasmPath()); os.IsNotExist(err) {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

// Types returns the entry types the plugin handles, as validated.
func (m *Manifest) Types() []protocol.EntryType {
	return m.types
}

// Granted returns the host imports the plugin may call. Logging is always
// included.
func (m *Manifest) Granted() []abi.Capability {
	granted := []abi.Capability{abi.CapabilityLog}
	for _, c := range m.Capabilities {
		if c != abi.CapabilityLog {
			granted = append(granted, c)
		}
	}
	return granted
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}
