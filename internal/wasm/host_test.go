package wasm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/internal/guest"
	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// arenaMemory exposes a guest arena as linear memory.
type arenaMemory struct {
	api.Memory
	arena *guest.Arena
}

func (m *arenaMemory) Read(offset, count uint32) ([]byte, bool) {
	return m.arena.Bytes(offset, count)
}

func (m *arenaMemory) Write(offset uint32, v []byte) bool {
	return m.arena.Write(offset, v)
}

type goFunction struct {
	api.Function
	fn func(ctx context.Context, params []uint64) []uint64
}

func (f *goFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.fn(ctx, params), nil
}

// pluginModule runs a guest.Plugin in process with its imports bound to a
// HostFunctionsImpl, standing in for a compiled plugin.
type pluginModule struct {
	api.Module
	arena   *guest.Arena
	mem     *arenaMemory
	exports map[string]api.Function
	closed  bool
}

func (m *pluginModule) Memory() api.Memory { return m.mem }

func (m *pluginModule) ExportedFunction(name string) api.Function {
	return m.exports[name]
}

func (m *pluginModule) Name() string { return "test-plugin" }

func (m *pluginModule) Close(context.Context) error {
	m.closed = true
	return nil
}

func newArenaModule(arena *guest.Arena) *pluginModule {
	mod := &pluginModule{
		arena:   arena,
		mem:     &arenaMemory{arena: arena},
		exports: map[string]api.Function{},
	}
	mod.exports[abi.ExportAllocate] = &goFunction{fn: func(_ context.Context, p []uint64) []uint64 {
		return []uint64{uint64(arena.Allocate(uint32(p[0])))}
	}}
	mod.exports[abi.ExportDeallocate] = &goFunction{fn: func(_ context.Context, p []uint64) []uint64 {
		arena.Deallocate(uint32(p[0]), uint32(p[1]))
		return nil
	}}
	return mod
}

func newPluginModule(t *testing.T, cfg pipeline.Config, host *HostFunctionsImpl) *pluginModule {
	t.Helper()
	arena := guest.NewArena()
	mod := newArenaModule(arena)

	callCtx := context.Background()
	bind := func(fn func(context.Context, api.Module, uint32, uint32) uint64) func(ptr, size uint32) uint64 {
		return func(ptr, size uint32) uint64 { return fn(callCtx, mod, ptr, size) }
	}
	imports := guest.Imports{
		Log: func(level, ptr, size uint32) {
			host.log(callCtx, mod, level, ptr, size)
		},
		Fetch:            bind(host.fetch),
		ChunkWithOverlap: bind(host.chunkWithOverlap),
		ChunkBySentence:  bind(host.chunkBySentence),
		DetectLanguage:   bind(host.detectLanguage),
		UpdateEntry:      bind(host.updateEntry),
		CreateChunks:     bind(host.createChunks),
	}

	plugin, err := guest.New(cfg, arena, imports)
	if err != nil {
		t.Fatalf("guest.New() error = %v", err)
	}
	mod.exports[abi.ExportOnCreate] = &goFunction{fn: func(ctx context.Context, p []uint64) []uint64 {
		callCtx = ctx
		return []uint64{plugin.OnCreate(uint32(p[0]), uint32(p[1]))}
	}}
	return mod
}

type stubFetcher struct {
	status   uint32
	body     string
	err      error
	requests []protocol.RequestOpts
}

func (f *stubFetcher) Fetch(_ context.Context, req protocol.RequestOpts) (*protocol.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &protocol.Response{StatusCode: f.status, Body: []byte(f.body)}, nil
}

type memStore struct {
	updates  []protocol.UpdateEntryOpts
	replaced []string
	chunks   []protocol.Chunk
	err      error
}

func (s *memStore) UpdateEntry(_ context.Context, opts protocol.UpdateEntryOpts) error {
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, opts)
	return nil
}

func (s *memStore) CreateChunks(_ context.Context, entryID string, chunks []protocol.Chunk) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.replaced = append(s.replaced, entryID)
	s.chunks = append(s.chunks, chunks...)
	return len(chunks), nil
}

type recordingObserver struct {
	calls []string
}

func (o *recordingObserver) ObserveHostCall(plugin, function string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.calls = append(o.calls, plugin+"/"+function+"/"+status)
}

func markdownConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Name = "md"
	cfg.Types = []protocol.EntryType{protocol.TypeMarkdown}
	cfg.Language = pipeline.LanguageFixed
	cfg.FixedLanguage = "english"
	return cfg
}

var notesEntry = protocol.Entry{
	ID:   "e1",
	Name: "notes.md",
	URL:  "https://example.com/notes.md",
	Type: protocol.TypeMarkdown,
}

func assertNoLeaks(t *testing.T, arena *guest.Arena) {
	t.Helper()
	if count, bytes := arena.Live(); count != 0 {
		t.Errorf("arena holds %d live allocations (%d bytes) after the call", count, bytes)
	}
}

func TestOnCreateProcessesEntry(t *testing.T) {
	ctx := context.Background()
	fetcher := &stubFetcher{status: 200, body: "# Notes\n\nSome **bold** text."}
	store := &memStore{}
	obs := &recordingObserver{}
	host := NewHostFunctions(zaptest.NewLogger(t), WithFetcher(fetcher), WithStore(store), WithObserver(obs))

	mod := newPluginModule(t, markdownConfig(), host)
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

	if err := inst.OnCreate(ctx, notesEntry); err != nil {
		t.Fatalf("OnCreate() error = %v", err)
	}

	if len(fetcher.requests) != 1 || fetcher.requests[0].URL != notesEntry.URL {
		t.Fatalf("requests = %+v, want one request for %s", fetcher.requests, notesEntry.URL)
	}
	if len(store.updates) != 1 || store.updates[0].ID != "e1" {
		t.Fatalf("updates = %+v, want one update of e1", store.updates)
	}
	if got := store.updates[0].Content.PlainText; !strings.Contains(got, "Some bold text.") {
		t.Errorf("plain text = %q", got)
	}
	if len(store.chunks) == 0 {
		t.Fatal("no chunks stored")
	}
	for i, c := range store.chunks {
		if c.EntryID != "e1" || c.Index != int32(i) || c.Language != "english" {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}

	want := []string{"md/fetch/ok", "md/chunk_with_overlap/ok", "md/update_entry/ok", "md/create_chunks/ok"}
	if strings.Join(obs.calls, ",") != strings.Join(want, ",") {
		t.Errorf("host calls = %v, want %v", obs.calls, want)
	}
	assertNoLeaks(t, mod.arena)
}

func TestOnCreateReturnsPluginError(t *testing.T) {
	tests := []struct {
		name    string
		fetcher *stubFetcher
		store   *memStore
		want    error
	}{
		{"not found", &stubFetcher{status: 404}, &memStore{}, protocol.ErrNetwork},
		{"transport failure", &stubFetcher{err: errors.New("connection refused")}, &memStore{}, protocol.ErrNetwork},
		{"store failure", &stubFetcher{status: 200, body: "text"}, &memStore{err: errors.New("disk full")}, protocol.ErrPersistence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := NewHostFunctions(zaptest.NewLogger(t), WithFetcher(tt.fetcher), WithStore(tt.store))
			mod := newPluginModule(t, markdownConfig(), host)
			inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

			err := inst.OnCreate(context.Background(), notesEntry)
			if !errors.Is(err, tt.want) {
				t.Fatalf("OnCreate() error = %v, want kind %v", err, tt.want)
			}
			assertNoLeaks(t, mod.arena)
		})
	}
}

func TestOnCreateUnsupportedType(t *testing.T) {
	host := NewHostFunctions(zaptest.NewLogger(t), WithFetcher(&stubFetcher{status: 200}), WithStore(&memStore{}))
	mod := newPluginModule(t, markdownConfig(), host)
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

	entry := notesEntry
	entry.Type = protocol.TypePDF
	err := inst.OnCreate(context.Background(), entry)
	if !errors.Is(err, protocol.ErrUnsupportedType) {
		t.Fatalf("OnCreate() error = %v, want unsupported type", err)
	}
}

func TestCapabilityDenied(t *testing.T) {
	store := &memStore{}
	obs := &recordingObserver{}
	host := NewHostFunctions(zaptest.NewLogger(t),
		WithFetcher(&stubFetcher{status: 200, body: "text"}), WithStore(store), WithObserver(obs))
	mod := newPluginModule(t, markdownConfig(), host)
	inst := newInstance(mod, "inst-1", &InstanceConfig{
		ModuleName:   "md",
		Capabilities: []abi.Capability{abi.CapabilityFetch, abi.CapabilityChunkWithOverlap},
	})

	err := inst.OnCreate(context.Background(), notesEntry)
	if !errors.Is(err, protocol.ErrPersistence) {
		t.Fatalf("OnCreate() error = %v, want persistence failure", err)
	}
	if !strings.Contains(err.Error(), "not granted capability 'update_entry'") {
		t.Errorf("error %q does not name the capability", err)
	}
	if len(store.updates) != 0 {
		t.Errorf("store was updated despite missing capability")
	}
	if last := obs.calls[len(obs.calls)-1]; last != "md/update_entry/error" {
		t.Errorf("last call = %s", last)
	}
	assertNoLeaks(t, mod.arena)
}

func TestLogPolicyForwardsRecord(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	host := NewHostFunctions(zap.New(core), WithFetcher(&stubFetcher{status: 500}), WithStore(&memStore{}))

	cfg := markdownConfig()
	cfg.ErrorPolicy = pipeline.LogErrors
	mod := newPluginModule(t, cfg, host)
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

	if err := inst.OnCreate(context.Background(), notesEntry); err != nil {
		t.Fatalf("OnCreate() error = %v, want nil under the log policy", err)
	}

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(errs) != 1 {
		t.Fatalf("got %d error records, want 1", len(errs))
	}
	rec := errs[0]
	if !strings.Contains(rec.Message, `"kind":"network error"`) {
		t.Errorf("record = %s", rec.Message)
	}
	fields := rec.ContextMap()
	if fields["plugin"] != "md" || fields["entry_id"] != "e1" {
		t.Errorf("fields = %v", fields)
	}
	assertNoLeaks(t, mod.arena)
}

func TestDetectLanguageImport(t *testing.T) {
	ctx := withInvocation(context.Background(), &invocation{plugin: "link"})
	host := NewHostFunctions(zaptest.NewLogger(t))
	mod := newArenaModule(guest.NewArena())

	ptr, size := mod.arena.StringToPointer("Le chat est sur la table et il dort dans la maison.")
	packed := protocol.Packed(host.detectLanguage(ctx, mod, ptr, size))
	if !packed.HasBuffer() {
		t.Fatalf("detect_language returned %s, want a buffer", packed)
	}
	got, _ := mod.arena.Bytes(packed.Ptr(), packed.Len())
	if string(got) != "french" {
		t.Errorf("language = %q, want french", got)
	}
	mod.arena.Deallocate(packed.Ptr(), packed.Len())

	ptr, size = mod.arena.StringToPointer("12345 !!!")
	if packed := host.detectLanguage(ctx, mod, ptr, size); packed != 0 {
		t.Errorf("detect_language without signal = %#x, want 0", packed)
	}
	assertNoLeaks(t, mod.arena)
}

func TestCreateChunksImportChecksEntry(t *testing.T) {
	ctx := withInvocation(context.Background(), &invocation{plugin: "md", entryID: "e1"})
	store := &memStore{}
	host := NewHostFunctions(zaptest.NewLogger(t), WithStore(store))
	mod := newArenaModule(guest.NewArena())

	call := func(opts protocol.CreateChunksOpts) protocol.Result {
		t.Helper()
		ptr, size := mod.arena.BytesToPointer(protocol.EncodeCreateChunks(opts))
		packed := protocol.Packed(host.createChunks(ctx, mod, ptr, size))
		buf, ok := mod.arena.Bytes(packed.Ptr(), packed.Len())
		if !ok {
			t.Fatalf("reply %s outside memory", packed)
		}
		res, err := protocol.DecodeResult(buf)
		if err != nil {
			t.Fatalf("DecodeResult() error = %v", err)
		}
		mod.arena.Deallocate(packed.Ptr(), packed.Len())
		return res
	}

	foreign := protocol.CreateChunksOpts{
		EntryID: "e2",
		Chunks:  []protocol.Chunk{{EntryID: "e2", MinimumVersion: protocol.MinimumVersion, Content: "x"}},
	}
	res := call(foreign)
	if res.Err == nil || res.Err.Kind != protocol.KindPersistence {
		t.Fatalf("foreign entry result = %+v, want persistence error", res)
	}
	if len(store.replaced) != 0 {
		t.Fatalf("store reached for a foreign entry: %v", store.replaced)
	}

	res = call(protocol.CreateChunksOpts{EntryID: "e1"})
	if res.Err != nil || res.Count != 0 {
		t.Fatalf("empty set result = %+v, want count 0", res)
	}
	if len(store.replaced) != 1 || store.replaced[0] != "e1" {
		t.Errorf("replaced = %v, want [e1]", store.replaced)
	}
	assertNoLeaks(t, mod.arena)
}

func TestChunkImportRejectsInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	host := NewHostFunctions(zaptest.NewLogger(t))
	mod := newArenaModule(guest.NewArena())

	ptr, size := mod.arena.BytesToPointer([]byte{0xff, 0xfe})
	packed := protocol.Packed(host.chunkBySentence(ctx, mod, ptr, size))
	buf, ok := mod.arena.Bytes(packed.Ptr(), packed.Len())
	if !ok {
		t.Fatalf("reply %s outside memory", packed)
	}
	pe, err := protocol.DecodeError(buf)
	if err != nil {
		t.Fatalf("DecodeError() error = %v", err)
	}
	if pe.Kind != protocol.KindDecode {
		t.Errorf("kind = %v, want decode error", pe.Kind)
	}
}

func TestHandleUnreadableArgument(t *testing.T) {
	ctx := context.Background()
	host := NewHostFunctions(zaptest.NewLogger(t))
	mod := newArenaModule(guest.NewArena())

	packed := protocol.Packed(host.fetch(ctx, mod, 0x7fff0000, 16))
	buf, ok := mod.arena.Bytes(packed.Ptr(), packed.Len())
	if !ok {
		t.Fatalf("reply %s outside memory", packed)
	}
	pe, err := protocol.DecodeError(buf)
	if err != nil {
		t.Fatalf("DecodeError() error = %v", err)
	}
	if pe.Kind != protocol.KindDecode {
		t.Errorf("kind = %v, want decode error", pe.Kind)
	}
}

func TestHandleReplyAllocationFailure(t *testing.T) {
	ctx := context.Background()
	host := NewHostFunctions(zaptest.NewLogger(t))
	arena := guest.NewArena(guest.WithLimit(guest.SegmentSize))
	mod := newArenaModule(arena)

	// Fill the only segment so only the argument's slot is free for the reply.
	ptr, size := arena.StringToPointer("one. two. three.")
	filler := arena.Allocate(guest.SegmentSize - 16)
	if filler == 0 {
		t.Fatal("filler allocation failed")
	}

	packed := protocol.Packed(host.chunkBySentence(ctx, mod, ptr, size))
	if packed != protocol.ErrorCode(protocol.KindPlugin) {
		t.Errorf("packed = %s, want bufferless plugin error", packed)
	}
}

func TestDecodeOutcome(t *testing.T) {
	ctx := context.Background()
	mod := newArenaModule(guest.NewArena())
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

	if err := inst.decodeOutcome(ctx, 0); err != nil {
		t.Errorf("decodeOutcome(0) = %v", err)
	}

	err := inst.decodeOutcome(ctx, protocol.ErrorCode(protocol.KindExtraction))
	if !errors.Is(err, protocol.ErrExtraction) {
		t.Errorf("bufferless code = %v, want extraction error", err)
	}

	ptr, size := mod.arena.BytesToPointer(protocol.EncodeError(protocol.KindChunkAssembly, "host declared 3 chunks, delivered 1"))
	err = inst.decodeOutcome(ctx, protocol.Pack(ptr, size))
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Kind != protocol.KindChunkAssembly {
		t.Fatalf("packet = %v, want chunk assembly error", err)
	}
	if pe.Message != "host declared 3 chunks, delivered 1" {
		t.Errorf("message = %q", pe.Message)
	}

	ptr, size = mod.arena.BytesToPointer([]byte("garbage"))
	if err := inst.decodeOutcome(ctx, protocol.Pack(ptr, size)); !errors.Is(err, protocol.ErrDecode) {
		t.Errorf("malformed packet = %v, want decode error", err)
	}
	assertNoLeaks(t, mod.arena)
}

func TestOnCreateMissingExport(t *testing.T) {
	mod := newArenaModule(guest.NewArena())
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})

	err := inst.OnCreate(context.Background(), notesEntry)
	var fnf *FunctionNotFoundError
	if !errors.As(err, &fnf) || fnf.FunctionName != abi.ExportOnCreate {
		t.Fatalf("OnCreate() error = %v, want missing on_create", err)
	}
}

func TestInstanceClose(t *testing.T) {
	mod := newArenaModule(guest.NewArena())
	inst := newInstance(mod, "inst-1", &InstanceConfig{ModuleName: "md"})
	released := false
	inst.onClose = func() { released = true }

	if err := inst.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !mod.closed || !released {
		t.Errorf("closed = %t, released = %t", mod.closed, released)
	}
}
