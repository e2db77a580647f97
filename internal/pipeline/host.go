package pipeline

import "github.com/keystroke-tools/hub/pkg/protocol"

// Host is the set of operations a plugin may ask of its host. Calls are
// blocking round trips; a plugin never has more than one in flight.
//
// Inside a plugin the implementation crosses the wasm boundary; tests use
// in-process doubles.
type Host interface {
	// Log writes one record at an abi.Level* level. It never fails.
	Log(level uint32, msg string)

	// Fetch performs a single network retrieval.
	Fetch(req protocol.RequestOpts) (*protocol.Response, error)

	// ChunkWithOverlap splits text into overlapping windows.
	ChunkWithOverlap(text string) (protocol.ChunkResult, error)

	// ChunkBySentence splits text along sentence boundaries.
	ChunkBySentence(text string) (protocol.ChunkResult, error)

	// DetectLanguage returns a language name, or "" when there is no signal.
	DetectLanguage(text string) (string, error)

	// UpdateEntry stores derived fields of an entry.
	UpdateEntry(opts protocol.UpdateEntryOpts) error

	// CreateChunks replaces the chunk set of opts.EntryID and returns the
	// number of chunks stored. An empty set clears it.
	CreateChunks(opts protocol.CreateChunksOpts) (int, error)
}
