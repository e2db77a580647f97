package wasm

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/internal/chunker"
	"github.com/keystroke-tools/hub/internal/lang"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Fetcher performs network retrievals on behalf of plugins.
type Fetcher interface {
	Fetch(ctx context.Context, req protocol.RequestOpts) (*protocol.Response, error)
}

// EntryStore persists what plugins derive from an entry.
type EntryStore interface {
	UpdateEntry(ctx context.Context, opts protocol.UpdateEntryOpts) error
	CreateChunks(ctx context.Context, entryID string, chunks []protocol.Chunk) (int, error)
}

// CallObserver is notified after every host import call.
type CallObserver interface {
	ObserveHostCall(plugin, function string, err error)
}

// invocation describes the on_create call a host import runs under.
type invocation struct {
	plugin  string
	entryID string
	granted map[abi.Capability]bool // nil grants everything
}

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) *invocation {
	if inv, ok := ctx.Value(invocationKey{}).(*invocation); ok {
		return inv
	}
	return &invocation{}
}

func (inv *invocation) allows(c abi.Capability) bool {
	if c == abi.CapabilityLog || inv.granted == nil {
		return true
	}
	return inv.granted[c]
}

// HostFunctionsImpl implements the hubble imports for Wasm modules.
type HostFunctionsImpl struct {
	logger   *zap.Logger
	fetcher  Fetcher
	store    EntryStore
	chunker  *chunker.Chunker
	detector *lang.Detector
	observer CallObserver
}

// HostOption configures HostFunctionsImpl.
type HostOption func(*HostFunctionsImpl)

// WithFetcher sets the fetch backend.
func WithFetcher(f Fetcher) HostOption {
	return func(h *HostFunctionsImpl) { h.fetcher = f }
}

// WithStore sets the persistence backend.
func WithStore(s EntryStore) HostOption {
	return func(h *HostFunctionsImpl) { h.store = s }
}

// WithChunker sets the chunker used by both chunking imports.
func WithChunker(c *chunker.Chunker) HostOption {
	return func(h *HostFunctionsImpl) { h.chunker = c }
}

// WithDetector sets the language detector.
func WithDetector(d *lang.Detector) HostOption {
	return func(h *HostFunctionsImpl) { h.detector = d }
}

// WithObserver sets a hook called after every import.
func WithObserver(o CallObserver) HostOption {
	return func(h *HostFunctionsImpl) { h.observer = o }
}

// NewHostFunctions creates a new host functions implementation.
func NewHostFunctions(logger *zap.Logger, opts ...HostOption) *HostFunctionsImpl {
	h := &HostFunctionsImpl{
		logger:   logger.With(zap.String("component", "wasm-host")),
		chunker:  chunker.MustNew(chunker.DefaultConfig()),
		detector: lang.NewDetector(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// handle runs one buffer-in, buffer-out import. The argument buffer is
// released back to the plugin once read; the reply is written into a fresh
// plugin allocation that the plugin owns.
func (h *HostFunctionsImpl) handle(ctx context.Context, mod api.Module, name abi.Capability, ptr, size uint32,
	fn func(ctx context.Context, req []byte) ([]byte, error)) uint64 {
	mem := NewMemory(mod)
	inv := invocationFrom(ctx)
	logger := h.logger.With(zap.String("plugin", inv.plugin), zap.String("function", string(name)))

	req, ok := mem.ReadBytes(ptr, size)
	if err := mem.Free(ctx, ptr, size); err != nil {
		logger.Warn("Failed to release import argument", zap.Error(err))
	}

	var (
		reply []byte
		err   error
	)
	switch {
	case !ok:
		err = protocol.Wrap(protocol.KindDecode,
			&MemoryAccessError{Operation: "read", Address: ptr, Length: size}, "reading import argument")
	case !inv.allows(name):
		err = protocol.Wrap(protocol.KindPlugin, &CapabilityError{Plugin: inv.plugin, Capability: name}, "")
	default:
		reply, err = fn(ctx, req)
	}

	if h.observer != nil {
		h.observer.ObserveHostCall(inv.plugin, string(name), err)
	}
	if err != nil {
		pe := protocol.AsError(err)
		logger.Debug("Host import failed", zap.String("kind", pe.Kind.String()), zap.Error(err))
		reply = protocol.EncodeError(pe.Kind, pe.Detail())
	}
	if reply == nil {
		return 0
	}

	out, n, werr := mem.WriteBytes(ctx, reply)
	if werr != nil {
		logger.Error("Failed to write import reply", zap.Error(werr))
		return uint64(protocol.ErrorCode(protocol.KindPlugin))
	}
	return uint64(protocol.Pack(out, n))
}

// log is called by Wasm modules to emit a log record.
// Signature: log(level, ptr, length)
// level: 0 = debug, 1 = info, 2 = warn, 3 = error
func (h *HostFunctionsImpl) log(ctx context.Context, mod api.Module, level uint32, ptr uint32, length uint32) {
	mem := NewMemory(mod)
	inv := invocationFrom(ctx)

	msg, ok := mem.ReadString(ptr, length)
	_ = mem.Free(ctx, ptr, length)
	if !ok {
		h.logger.Error("Failed to read log message from Wasm memory",
			zap.String("plugin", inv.plugin),
			zap.Uint32("ptr", ptr),
			zap.Uint32("length", length),
		)
		return
	}

	logger := h.logger.With(zap.String("plugin", inv.plugin), zap.String("entry_id", inv.entryID))
	switch level {
	case abi.LevelDebug:
		logger.Debug(msg)
	case abi.LevelInfo:
		logger.Info(msg)
	case abi.LevelWarn:
		logger.Warn(msg)
	case abi.LevelError:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}

// fetch performs a network request. Transport failures are reported inside
// the Response so the plugin can tell them apart from decoding problems.
func (h *HostFunctionsImpl) fetch(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.handle(ctx, mod, abi.CapabilityFetch, ptr, length, func(ctx context.Context, b []byte) ([]byte, error) {
		req, err := protocol.DecodeRequest(b)
		if err != nil {
			return nil, err
		}
		if h.fetcher == nil {
			return nil, protocol.Errorf(protocol.KindPlugin, "no fetch backend configured")
		}
		resp, err := h.fetcher.Fetch(ctx, req)
		if err != nil {
			return protocol.EncodeResponse(protocol.Response{Err: protocol.Wrap(protocol.KindNetwork, err, "")}), nil
		}
		return protocol.EncodeResponse(*resp), nil
	})
}

func (h *HostFunctionsImpl) chunk(ctx context.Context, mod api.Module, name abi.Capability, ptr, length uint32,
	split func(string) []string) uint64 {
	return h.handle(ctx, mod, name, ptr, length, func(_ context.Context, b []byte) ([]byte, error) {
		if !utf8.Valid(b) {
			return nil, protocol.Errorf(protocol.KindDecode, "%s: text is not valid UTF-8", name)
		}
		return protocol.EncodeChunkResult(split(string(b))), nil
	})
}

func (h *HostFunctionsImpl) chunkWithOverlap(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.chunk(ctx, mod, abi.CapabilityChunkWithOverlap, ptr, length, h.chunker.WithOverlap)
}

func (h *HostFunctionsImpl) chunkBySentence(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.chunk(ctx, mod, abi.CapabilityChunkBySentence, ptr, length, h.chunker.BySentence)
}

// detectLanguage replies with a language name, or 0 when the text carries no
// signal.
func (h *HostFunctionsImpl) detectLanguage(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.handle(ctx, mod, abi.CapabilityDetectLanguage, ptr, length, func(_ context.Context, b []byte) ([]byte, error) {
		if !utf8.Valid(b) {
			return nil, protocol.Errorf(protocol.KindDecode, "detect_language: text is not valid UTF-8")
		}
		tag, ok := h.detector.Detect(string(b))
		if !ok {
			return nil, nil
		}
		name := lang.Name(tag)
		if name == "" {
			return nil, nil
		}
		return []byte(name), nil
	})
}

func (h *HostFunctionsImpl) updateEntry(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.handle(ctx, mod, abi.CapabilityUpdateEntry, ptr, length, func(ctx context.Context, b []byte) ([]byte, error) {
		opts, err := protocol.DecodeUpdateEntry(b)
		if err != nil {
			return nil, err
		}
		if h.store == nil {
			return nil, protocol.Errorf(protocol.KindPlugin, "no entry store configured")
		}
		if inv := invocationFrom(ctx); inv.entryID != "" && opts.ID != inv.entryID {
			return protocol.EncodeResult(protocol.Result{Err: protocol.Errorf(protocol.KindPersistence,
				"entry %q is not the entry being processed", opts.ID)}), nil
		}
		if err := h.store.UpdateEntry(ctx, opts); err != nil {
			return protocol.EncodeResult(protocol.Result{Err: protocol.Wrap(protocol.KindPersistence, err, "")}), nil
		}
		return protocol.EncodeResult(protocol.Result{Count: 1}), nil
	})
}

func (h *HostFunctionsImpl) createChunks(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return h.handle(ctx, mod, abi.CapabilityCreateChunks, ptr, length, func(ctx context.Context, b []byte) ([]byte, error) {
		opts, err := protocol.DecodeCreateChunks(b)
		if err != nil {
			return nil, err
		}
		if h.store == nil {
			return nil, protocol.Errorf(protocol.KindPlugin, "no entry store configured")
		}
		if inv := invocationFrom(ctx); inv.entryID != "" && opts.EntryID != inv.entryID {
			return protocol.EncodeResult(protocol.Result{Err: protocol.Errorf(protocol.KindPersistence,
				"entry %q is not the entry being processed", opts.EntryID)}), nil
		}
		n, err := h.store.CreateChunks(ctx, opts.EntryID, opts.Chunks)
		if err != nil {
			return protocol.EncodeResult(protocol.Result{Err: protocol.Wrap(protocol.KindPersistence, err, "")}), nil
		}
		return protocol.EncodeResult(protocol.Result{Count: uint32(n)}), nil
	})
}

// export registers every import on the hubble host module.
func (h *HostFunctionsImpl) export(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(h.log).
		WithParameterNames("level", "ptr", "length").
		Export(abi.ImportLog)

	for _, fn := range []struct {
		name string
		impl func(context.Context, api.Module, uint32, uint32) uint64
	}{
		{abi.ImportFetch, h.fetch},
		{abi.ImportChunkWithOverlap, h.chunkWithOverlap},
		{abi.ImportChunkBySentence, h.chunkBySentence},
		{abi.ImportDetectLanguage, h.detectLanguage},
		{abi.ImportUpdateEntry, h.updateEntry},
		{abi.ImportCreateChunks, h.createChunks},
	} {
		builder.NewFunctionBuilder().
			WithFunc(fn.impl).
			WithParameterNames("ptr", "length").
			WithResultNames("packed").
			Export(fn.name)
	}
}
