//go:build wasip1

package guest

//go:wasmexport on_create
func exportOnCreate(ptr, size uint32) uint64 {
	return onCreate(ptr, size)
}

//go:wasmexport allocate
func exportAllocate(size uint32) uint32 {
	return defaultArena.Allocate(size)
}

//go:wasmexport deallocate
func exportDeallocate(ptr, size uint32) {
	defaultArena.Deallocate(ptr, size)
}
