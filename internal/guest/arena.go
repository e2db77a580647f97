// Package guest is the runtime linked into every ingestion plugin. It owns the
// plugin's side of the memory protocol (Arena), the exported entry points and
// the table of host imports the pipeline talks to.
package guest

import (
	"sort"
	"sync"
)

const (
	// Alignment of every allocation.
	Alignment = 8

	// SegmentSize is the size of a regular arena segment. Requests larger than
	// a segment get a dedicated one.
	SegmentSize = 64 << 10

	maxAddress = 1<<32 - 1

	// Virtual segments start past the first wasm page so that 0 stays free
	// to mean "no buffer".
	firstVirtualAddress = 0x10000
)

// span is a half-open address range [start, end).
type span struct {
	start, end uint32
}

type segment struct {
	base uint32
	size uint32
	mem  []byte
	free []span // sorted by start, coalesced
}

func (s *segment) contains(ptr, n uint32) bool {
	return ptr >= s.base && uint64(ptr)+uint64(n) <= uint64(s.base)+uint64(s.size)
}

// take carves n bytes out of the first free span large enough.
func (s *segment) take(n uint32) (uint32, bool) {
	for i := range s.free {
		sp := &s.free[i]
		if sp.end-sp.start < n {
			continue
		}
		ptr := sp.start
		sp.start += n
		if sp.start == sp.end {
			s.free = append(s.free[:i], s.free[i+1:]...)
		}
		return ptr, true
	}
	return 0, false
}

// give returns [ptr, ptr+n) to the free list. A range overlapping a span that
// is already free is rejected and leaves the list untouched.
func (s *segment) give(ptr, n uint32) bool {
	end := ptr + n
	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].start >= ptr })

	if i > 0 && s.free[i-1].end > ptr {
		return false
	}
	if i < len(s.free) && s.free[i].start < end {
		return false
	}

	mergePrev := i > 0 && s.free[i-1].end == ptr
	mergeNext := i < len(s.free) && s.free[i].start == end

	switch {
	case mergePrev && mergeNext:
		s.free[i-1].end = s.free[i].end
		s.free = append(s.free[:i], s.free[i+1:]...)
	case mergePrev:
		s.free[i-1].end = end
	case mergeNext:
		s.free[i].start = ptr
	default:
		s.free = append(s.free, span{})
		copy(s.free[i+1:], s.free[i:])
		s.free[i] = span{start: ptr, end: end}
	}
	return true
}

// Arena is a first-fit allocator over segments of plugin memory. Addresses it
// hands out are the ones exchanged with the host.
//
// Ownership of an allocation is not tracked; callers follow the transfer
// rules of the ABI. Releasing a range that is already free is ignored.
type Arena struct {
	mu       sync.Mutex
	segments []*segment
	limit    uint64
	reserved uint64
	next     uint64 // virtual address watermark, unused under wasip1

	count int
	bytes uint64
}

// Option configures an Arena.
type Option func(*Arena)

// WithLimit caps the total bytes of segment memory the arena may reserve.
func WithLimit(bytes uint64) Option {
	return func(a *Arena) {
		a.limit = bytes
	}
}

// NewArena creates an empty arena.
func NewArena(opts ...Option) *Arena {
	a := &Arena{next: firstVirtualAddress}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func roundUp(size uint32) (uint32, bool) {
	if size == 0 {
		return Alignment, true
	}
	n := (uint64(size) + Alignment - 1) &^ (Alignment - 1)
	if n > maxAddress {
		return 0, false
	}
	return uint32(n), true
}

// Allocate reserves size bytes and returns their address, or 0 when the
// arena is exhausted. Allocate(0) reserves the minimum slot.
func (a *Arena) Allocate(size uint32) uint32 {
	n, ok := roundUp(size)
	if !ok {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range a.segments {
		if ptr, ok := s.take(n); ok {
			a.count++
			a.bytes += uint64(n)
			return ptr
		}
	}

	segSize := uint32(SegmentSize)
	if n > segSize {
		segSize = n
	}
	if a.limit > 0 && a.reserved+uint64(segSize) > a.limit {
		return 0
	}

	base, mem, ok := a.mapSegment(segSize)
	if !ok {
		return 0
	}
	s := &segment{
		base: base,
		size: segSize,
		mem:  mem,
		free: []span{{start: base, end: base + segSize}},
	}
	a.segments = append(a.segments, s)
	a.reserved += uint64(segSize)

	ptr, _ := s.take(n)
	a.count++
	a.bytes += uint64(n)
	return ptr
}

// Deallocate releases the region at ptr. size must be the size passed to
// Allocate (or anything rounding to the same slot).
func (a *Arena) Deallocate(ptr, size uint32) {
	if ptr == 0 {
		return
	}
	n, ok := roundUp(size)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.find(ptr, n)
	if s == nil {
		return
	}
	if s.give(ptr, n) {
		a.count--
		a.bytes -= uint64(n)
	}
}

func (a *Arena) find(ptr, n uint32) *segment {
	for _, s := range a.segments {
		if s.contains(ptr, n) {
			return s
		}
	}
	return nil
}

// Bytes returns a view of [ptr, ptr+size). The view aliases arena memory and
// is only valid until the region is released.
func (a *Arena) Bytes(ptr, size uint32) ([]byte, bool) {
	if ptr == 0 {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.find(ptr, size)
	if s == nil {
		return nil, false
	}
	off := ptr - s.base
	return s.mem[off : off+size : off+size], true
}

// Write copies b into arena memory at ptr.
func (a *Arena) Write(ptr uint32, b []byte) bool {
	view, ok := a.Bytes(ptr, uint32(len(b)))
	if !ok {
		return false
	}
	copy(view, b)
	return true
}

// BytesToPointer copies b into a fresh allocation. It returns (0, 0) when the
// arena is exhausted.
func (a *Arena) BytesToPointer(b []byte) (uint32, uint32) {
	if uint64(len(b)) > maxAddress {
		return 0, 0
	}
	size := uint32(len(b))
	ptr := a.Allocate(size)
	if ptr == 0 {
		return 0, 0
	}
	if !a.Write(ptr, b) {
		a.Deallocate(ptr, size)
		return 0, 0
	}
	return ptr, size
}

// StringToPointer copies s into a fresh allocation.
func (a *Arena) StringToPointer(s string) (uint32, uint32) {
	if uint64(len(s)) > maxAddress {
		return 0, 0
	}
	size := uint32(len(s))
	ptr := a.Allocate(size)
	if ptr == 0 {
		return 0, 0
	}
	view, ok := a.Bytes(ptr, size)
	if !ok {
		a.Deallocate(ptr, size)
		return 0, 0
	}
	copy(view, s)
	return ptr, size
}

// Live reports the number of outstanding allocations and their rounded size.
func (a *Arena) Live() (count int, bytes uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count, a.bytes
}

// Reserved reports the bytes of segment memory held by the arena.
func (a *Arena) Reserved() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}
