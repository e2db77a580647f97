package protocol

import "fmt"

// Packed carries a guest address and a byte length in one uint64: the pointer
// in the high 32 bits and the length in the low 32 bits.
//
// Zero means "no buffer, no error". A zero pointer with a non-zero length is
// the reserved pattern for an error that could not be written to memory; the
// length then holds the ErrorKind.
type Packed uint64

// Pack combines ptr and size.
func Pack(ptr, size uint32) Packed {
	return Packed(uint64(ptr)<<32 | uint64(size))
}

// ErrorCode returns the bufferless encoding of kind.
func ErrorCode(kind ErrorKind) Packed {
	return Pack(0, uint32(kind))
}

// Ptr returns the address half.
func (p Packed) Ptr() uint32 { return uint32(p >> 32) }

// Len returns the length half.
func (p Packed) Len() uint32 { return uint32(p) }

// IsZero reports whether p is the success / empty value.
func (p Packed) IsZero() bool { return p == 0 }

// HasBuffer reports whether p points at guest memory.
func (p Packed) HasBuffer() bool { return p.Ptr() != 0 }

// Kind returns the error kind of a bufferless error code, or KindNone.
func (p Packed) Kind() ErrorKind {
	if p.HasBuffer() {
		return KindNone
	}
	return ErrorKind(p.Len())
}

func (p Packed) String() string {
	return fmt.Sprintf("packed(ptr=%#x, len=%d)", p.Ptr(), p.Len())
}
