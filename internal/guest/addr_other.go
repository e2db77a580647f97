//go:build !wasip1

package guest

// mapSegment hands out virtual addresses from a monotonic watermark so the
// allocator and every boundary path can run natively.
func (a *Arena) mapSegment(size uint32) (uint32, []byte, bool) {
	if a.next+uint64(size) > maxAddress {
		return 0, nil, false
	}
	base := uint32(a.next)
	a.next += uint64(size)
	return base, make([]byte, size), true
}
