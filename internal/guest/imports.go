package guest

import (
	"unicode/utf8"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Imports is the table of host functions a plugin calls. Every function takes
// ownership of its argument buffer; a returned packed buffer belongs to the
// plugin.
type Imports struct {
	Log              func(level, ptr, size uint32)
	Fetch            func(ptr, size uint32) uint64
	ChunkWithOverlap func(ptr, size uint32) uint64
	ChunkBySentence  func(ptr, size uint32) uint64
	DetectLanguage   func(ptr, size uint32) uint64
	UpdateEntry      func(ptr, size uint32) uint64
	CreateChunks     func(ptr, size uint32) uint64
}

// abiHost implements pipeline.Host on top of Imports and an Arena.
type abiHost struct {
	arena   *Arena
	imports Imports
}

func newABIHost(arena *Arena, imports Imports) *abiHost {
	return &abiHost{arena: arena, imports: imports}
}

// call hands req to an import and passes the reply to decode. The reply
// buffer is released once decode returns. A reply that is an error packet
// is returned as the error.
func (h *abiHost) call(name string, fn func(ptr, size uint32) uint64, req []byte, decode func([]byte) error) error {
	if fn == nil {
		return protocol.Errorf(protocol.KindPlugin, "host import %s is not bound", name)
	}

	ptr, size := h.arena.BytesToPointer(req)
	if ptr == 0 {
		return protocol.Errorf(protocol.KindPlugin, "allocating %d bytes for %s", len(req), name)
	}

	packed := protocol.Packed(fn(ptr, size))
	if packed.IsZero() {
		return decode(nil)
	}
	if !packed.HasBuffer() {
		return protocol.Errorf(packed.Kind(), "host import %s failed", name)
	}
	defer h.arena.Deallocate(packed.Ptr(), packed.Len())

	buf, ok := h.arena.Bytes(packed.Ptr(), packed.Len())
	if !ok {
		return protocol.Errorf(protocol.KindPlugin, "host import %s returned %s outside plugin memory", name, packed)
	}
	if typ, ok := protocol.PeekType(buf); ok && typ == protocol.MessageError {
		pe, err := protocol.DecodeError(buf)
		if err != nil {
			return err
		}
		return pe
	}
	return decode(buf)
}

func (h *abiHost) Log(level uint32, msg string) {
	if h.imports.Log == nil {
		return
	}
	ptr, size := h.arena.StringToPointer(msg)
	if ptr == 0 {
		return
	}
	h.imports.Log(level, ptr, size)
}

func (h *abiHost) Fetch(req protocol.RequestOpts) (*protocol.Response, error) {
	var resp protocol.Response
	err := h.call(abi.ImportFetch, h.imports.Fetch, protocol.EncodeRequest(req), func(b []byte) error {
		if b == nil {
			return protocol.Errorf(protocol.KindNetwork, "fetch returned no response")
		}
		var err error
		resp, err = protocol.DecodeResponse(b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (h *abiHost) chunk(name string, fn func(ptr, size uint32) uint64, text string) (protocol.ChunkResult, error) {
	var res protocol.ChunkResult
	err := h.call(name, fn, []byte(text), func(b []byte) error {
		if b == nil {
			return nil
		}
		var err error
		res, err = protocol.DecodeChunkResult(b)
		return err
	})
	return res, err
}

func (h *abiHost) ChunkWithOverlap(text string) (protocol.ChunkResult, error) {
	return h.chunk(abi.ImportChunkWithOverlap, h.imports.ChunkWithOverlap, text)
}

func (h *abiHost) ChunkBySentence(text string) (protocol.ChunkResult, error) {
	return h.chunk(abi.ImportChunkBySentence, h.imports.ChunkBySentence, text)
}

func (h *abiHost) DetectLanguage(text string) (string, error) {
	var name string
	err := h.call(abi.ImportDetectLanguage, h.imports.DetectLanguage, []byte(text), func(b []byte) error {
		if !utf8.Valid(b) {
			return protocol.Errorf(protocol.KindDecode, "language name is not valid UTF-8")
		}
		name = string(b)
		return nil
	})
	return name, err
}

func (h *abiHost) result(name string, fn func(ptr, size uint32) uint64, req []byte) (protocol.Result, error) {
	var res protocol.Result
	err := h.call(name, fn, req, func(b []byte) error {
		if b == nil {
			return nil
		}
		var err error
		res, err = protocol.DecodeResult(b)
		return err
	})
	if err != nil {
		return res, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (h *abiHost) UpdateEntry(opts protocol.UpdateEntryOpts) error {
	_, err := h.result(abi.ImportUpdateEntry, h.imports.UpdateEntry, protocol.EncodeUpdateEntry(opts))
	return err
}

func (h *abiHost) CreateChunks(opts protocol.CreateChunksOpts) (int, error) {
	res, err := h.result(abi.ImportCreateChunks, h.imports.CreateChunks, protocol.EncodeCreateChunks(opts))
	if err != nil {
		return 0, err
	}
	return int(res.Count), nil
}
