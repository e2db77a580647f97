//go:build wasip1

package guest

//go:wasmimport hubble log
func hostLog(level, ptr, size uint32)

//go:wasmimport hubble fetch
func hostFetch(ptr, size uint32) uint64

//go:wasmimport hubble chunk_with_overlap
func hostChunkWithOverlap(ptr, size uint32) uint64

//go:wasmimport hubble chunk_by_sentence
func hostChunkBySentence(ptr, size uint32) uint64

//go:wasmimport hubble detect_language
func hostDetectLanguage(ptr, size uint32) uint64

//go:wasmimport hubble update_entry
func hostUpdateEntry(ptr, size uint32) uint64

//go:wasmimport hubble create_chunks
func hostCreateChunks(ptr, size uint32) uint64

// HostImports returns the imports provided by the wasm host.
func HostImports() Imports {
	return Imports{
		Log:              hostLog,
		Fetch:            hostFetch,
		ChunkWithOverlap: hostChunkWithOverlap,
		ChunkBySentence:  hostChunkBySentence,
		DetectLanguage:   hostDetectLanguage,
		UpdateEntry:      hostUpdateEntry,
		CreateChunks:     hostCreateChunks,
	}
}
