// Package abi names the functions that cross the guest/host boundary.
//
// Guests are built with GOOS=wasip1 GOARCH=wasm -buildmode=c-shared and run as
// reactors: the host calls _initialize once, then on_create once per entry.
//
// NOTE: uint32 is used for pointers and lengths because WebAssembly uses a 32-bit
// linear memory model. Where a call must return an address and a length, both are
// packed into a single uint64 (high 32 bits pointer, low 32 bits length).
// See: https://github.com/golang/go/issues/65199
package abi

// Guest exports.
const (
	// ExportInitialize runs package initialisers of a reactor module.
	// Signature: _initialize() -> void
	ExportInitialize = "_initialize"

	// ExportOnCreate processes one entry envelope.
	// Signature: on_create(ptr: u32, len: u32) -> u64
	// Returns: 0 on success, otherwise a packed error descriptor.
	ExportOnCreate = "on_create"

	// ExportAllocate reserves size bytes of guest memory.
	// Signature: allocate(size: u32) -> u32
	// Returns: start address, or 0 when the arena is exhausted.
	ExportAllocate = "allocate"

	// ExportDeallocate releases a region previously returned by allocate.
	// Signature: deallocate(ptr: u32, size: u32) -> void
	ExportDeallocate = "deallocate"
)

// ImportModule is the module name guests import host functions from.
const ImportModule = "hubble"

// Host imports.
const (
	// ImportLog writes a guest log record.
	// Signature: log(level: u32, ptr: u32, len: u32) -> void
	ImportLog = "log"

	// ImportFetch performs one network retrieval.
	// Signature: fetch(ptr: u32, len: u32) -> u64 (Request -> Response envelope)
	ImportFetch = "fetch"

	// ImportChunkWithOverlap splits text into overlapping windows.
	// Signature: chunk_with_overlap(ptr: u32, len: u32) -> u64 (text -> ChunkResult envelope)
	ImportChunkWithOverlap = "chunk_with_overlap"

	// ImportChunkBySentence splits text on sentence boundaries.
	// Signature: chunk_by_sentence(ptr: u32, len: u32) -> u64 (text -> ChunkResult envelope)
	ImportChunkBySentence = "chunk_by_sentence"

	// ImportDetectLanguage returns a language code for text.
	// Signature: detect_language(ptr: u32, len: u32) -> u64 (text -> code, 0 for no signal)
	ImportDetectLanguage = "detect_language"

	// ImportUpdateEntry stores derived entry content.
	// Signature: update_entry(ptr: u32, len: u32) -> u64 (UpdateEntry -> Result envelope)
	ImportUpdateEntry = "update_entry"

	// ImportCreateChunks replaces the chunk set of the entry being processed.
	// Signature: create_chunks(ptr: u32, len: u32) -> u64 (CreateChunks -> Result envelope)
	ImportCreateChunks = "create_chunks"
)

// Log levels accepted by ImportLog.
const (
	LevelDebug uint32 = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Capability is the name of a host import a plugin may be granted.
type Capability string

// Known capabilities. Logging is always granted.
const (
	CapabilityLog              Capability = ImportLog
	CapabilityFetch            Capability = ImportFetch
	CapabilityChunkWithOverlap Capability = ImportChunkWithOverlap
	CapabilityChunkBySentence  Capability = ImportChunkBySentence
	CapabilityDetectLanguage   Capability = ImportDetectLanguage
	CapabilityUpdateEntry      Capability = ImportUpdateEntry
	CapabilityCreateChunks     Capability = ImportCreateChunks
)

// Capabilities lists every capability in declaration order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityLog,
		CapabilityFetch,
		CapabilityChunkWithOverlap,
		CapabilityChunkBySentence,
		CapabilityDetectLanguage,
		CapabilityUpdateEntry,
		CapabilityCreateChunks,
	}
}

// Valid reports whether c names a host import.
func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}
