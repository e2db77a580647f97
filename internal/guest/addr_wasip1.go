//go:build wasip1

package guest

import "unsafe"

// mapSegment backs a segment with Go heap memory. The Go collector does not
// move objects, so the slice address is a stable linear-memory address for as
// long as the segment holds the slice.
func (a *Arena) mapSegment(size uint32) (uint32, []byte, bool) {
	mem := make([]byte, size)
	addr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
	if addr == 0 || addr+uint64(size) > maxAddress {
		return 0, nil, false
	}
	return uint32(addr), mem, true
}
