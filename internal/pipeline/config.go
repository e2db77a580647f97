package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

// ChunkStrategy selects the host chunker.
type ChunkStrategy string

const (
	ChunkWithOverlap ChunkStrategy = "overlap"
	ChunkBySentence  ChunkStrategy = "sentence"
)

// ErrorPolicy decides what a plugin does with a failed entry.
type ErrorPolicy string

const (
	// PropagateErrors returns an error packet to the host.
	PropagateErrors ErrorPolicy = "propagate"
	// LogErrors reports the failure through the log import and returns success.
	LogErrors ErrorPolicy = "log"
)

// LanguageSource selects where the chunk language comes from.
type LanguageSource string

const (
	LanguageLocal LanguageSource = "local"
	LanguageHost  LanguageSource = "host"
	LanguageFixed LanguageSource = "fixed"
)

// NameRule derives the display name of an entry from its stored name.
type NameRule string

const (
	// NameAsIs keeps the name and falls back to the URL when it is blank.
	NameAsIs NameRule = "url-fallback"
	// NameStripExtension drops the last extension ("notes.v2.md" -> "notes.v2").
	NameStripExtension NameRule = "strip-extension"
	// NameFirstSegment keeps the text before the first dot ("notes.v2.md" -> "notes").
	NameFirstSegment NameRule = "first-segment"
)

// NameUpdate decides when the display name is written back to the entry.
type NameUpdate string

const (
	UpdateNameIfEmpty NameUpdate = "if-empty"
	UpdateNameAlways  NameUpdate = "always"
)

// StatusPolicy decides which fetch status codes are accepted.
type StatusPolicy string

const (
	// RejectErrors fails on any status outside 200-399.
	RejectErrors StatusPolicy = "reject-errors"
	// RequireOK fails on anything but 200.
	RequireOK StatusPolicy = "require-ok"
)

// DefaultFallbackLanguage is used when detection yields no signal.
const DefaultFallbackLanguage = "english"

// Config is the per-plugin policy of the pipeline, resolved once at startup.
type Config struct {
	Name             string
	Types            []protocol.EntryType
	Chunker          ChunkStrategy
	ErrorPolicy      ErrorPolicy
	Language         LanguageSource
	FixedLanguage    string
	FallbackLanguage string
	NameRule         NameRule
	NameUpdate       NameUpdate
	StatusPolicy     StatusPolicy
	Debug            bool
}

// DefaultConfig returns a configuration accepting HTML, Markdown and plain
// text with overlap chunking and local language detection.
func DefaultConfig() Config {
	return Config{
		Name:             "hub",
		Types:            []protocol.EntryType{protocol.TypeHTML, protocol.TypeMarkdown, protocol.TypePlainText},
		Chunker:          ChunkWithOverlap,
		ErrorPolicy:      PropagateErrors,
		Language:         LanguageLocal,
		FallbackLanguage: DefaultFallbackLanguage,
		NameRule:         NameAsIs,
		NameUpdate:       UpdateNameIfEmpty,
		StatusPolicy:     RejectErrors,
	}
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pipeline config: %s (field: %s)", e.Message, e.Field)
}

// Validate fills empty optional fields with defaults and checks the rest.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "Name", Message: "name is required"}
	}
	if len(c.Types) == 0 {
		return &ConfigError{Field: "Types", Message: "at least one entry type is required"}
	}
	for _, t := range c.Types {
		if !slices.Contains(extractable, t) {
			return &ConfigError{Field: "Types", Message: fmt.Sprintf("entry type %s cannot be extracted", t)}
		}
	}

	if c.FallbackLanguage == "" {
		c.FallbackLanguage = DefaultFallbackLanguage
	}
	if c.NameRule == "" {
		c.NameRule = NameAsIs
	}
	if c.NameUpdate == "" {
		c.NameUpdate = UpdateNameIfEmpty
	}
	if c.StatusPolicy == "" {
		c.StatusPolicy = RejectErrors
	}

	switch c.Chunker {
	case ChunkWithOverlap, ChunkBySentence:
	default:
		return &ConfigError{Field: "Chunker", Message: fmt.Sprintf("unknown chunker %q", c.Chunker)}
	}
	switch c.ErrorPolicy {
	case PropagateErrors, LogErrors:
	default:
		return &ConfigError{Field: "ErrorPolicy", Message: fmt.Sprintf("unknown error policy %q", c.ErrorPolicy)}
	}
	switch c.Language {
	case LanguageLocal, LanguageHost:
	case LanguageFixed:
		if strings.TrimSpace(c.FixedLanguage) == "" {
			return &ConfigError{Field: "FixedLanguage", Message: "fixed language requires a language name"}
		}
	default:
		return &ConfigError{Field: "Language", Message: fmt.Sprintf("unknown language source %q", c.Language)}
	}
	switch c.NameRule {
	case NameAsIs, NameStripExtension, NameFirstSegment:
	default:
		return &ConfigError{Field: "NameRule", Message: fmt.Sprintf("unknown name rule %q", c.NameRule)}
	}
	switch c.NameUpdate {
	case UpdateNameIfEmpty, UpdateNameAlways:
	default:
		return &ConfigError{Field: "NameUpdate", Message: fmt.Sprintf("unknown name update %q", c.NameUpdate)}
	}
	switch c.StatusPolicy {
	case RejectErrors, RequireOK:
	default:
		return &ConfigError{Field: "StatusPolicy", Message: fmt.Sprintf("unknown status policy %q", c.StatusPolicy)}
	}
	return nil
}

// Accepts reports whether entries of type t are handled.
func (c *Config) Accepts(t protocol.EntryType) bool {
	return slices.Contains(c.Types, t)
}

// acceptStatus applies the status policy to a fetch response.
func (c *Config) acceptStatus(code uint32) bool {
	if c.StatusPolicy == RequireOK {
		return code == 200
	}
	return code >= 200 && code < 400
}

// displayName applies the name rule, falling back to the URL for blank names.
func (c *Config) displayName(e protocol.Entry) string {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return e.URL
	}

	switch c.NameRule {
	case NameStripExtension:
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
	case NameFirstSegment:
		if i := strings.IndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
	}
	return name
}
