package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/keystroke-tools/hub/api/abi"
)

// Memory provides safe memory operations on a plugin instance.
//
// Reads copy out of linear memory, since the plugin may reuse a region as
// soon as it is released. Writes go through the plugin's own allocator
// (the allocate export), so every buffer the host hands over is one the
// plugin can later release with deallocate.
type Memory struct {
	mem        api.Memory
	allocate   api.Function
	deallocate api.Function
}

// NewMemory creates a memory helper.
func NewMemory(module api.Module) *Memory {
	return &Memory{
		mem:        module.Memory(),
		allocate:   module.ExportedFunction(abi.ExportAllocate),
		deallocate: module.ExportedFunction(abi.ExportDeallocate),
	}
}

// ReadString reads length bytes at ptr as a string.
func (m *Memory) ReadString(ptr uint32, length uint32) (string, bool) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(buf), true
}

// ReadBytes copies length bytes at ptr.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	buf, ok := m.mem.Read(ptr, length)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}

// WriteBytes allocates a buffer in the plugin and copies data into it.
// Ownership of the buffer passes to whoever receives the pointer.
func (m *Memory) WriteBytes(ctx context.Context, data []byte) (uint32, uint32, error) {
	if m.allocate == nil {
		return 0, 0, &MemoryAccessError{Operation: "allocate", Length: uint32(len(data)),
			Err: fmt.Errorf("module does not export %s", abi.ExportAllocate)}
	}

	size := uint32(len(data))
	res, err := m.allocate.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, &MemoryAccessError{Operation: "allocate", Length: size, Err: err}
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, 0, &MemoryAccessError{Operation: "allocate", Length: size,
			Err: fmt.Errorf("plugin memory exhausted")}
	}

	if !m.mem.Write(ptr, data) {
		_ = m.Free(ctx, ptr, size)
		return 0, 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: size}
	}
	return ptr, size, nil
}

// Free releases a plugin buffer through the deallocate export.
func (m *Memory) Free(ctx context.Context, ptr, size uint32) error {
	if ptr == 0 {
		return nil
	}
	if m.deallocate == nil {
		return &MemoryAccessError{Operation: "deallocate", Address: ptr, Length: size,
			Err: fmt.Errorf("module does not export %s", abi.ExportDeallocate)}
	}
	if _, err := m.deallocate.Call(ctx, uint64(ptr), uint64(size)); err != nil {
		return &MemoryAccessError{Operation: "deallocate", Address: ptr, Length: size, Err: err}
	}
	return nil
}
