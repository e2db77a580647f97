package guest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/internal/chunker"
	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// testHost plays the host side of the ABI against the plugin's arena: it
// releases every argument buffer after reading it and allocates replies in
// plugin memory.
type testHost struct {
	t       *testing.T
	arena   *Arena
	chunker *chunker.Chunker

	status uint32
	body   string

	logs     []string
	levels   []uint32
	requests []protocol.RequestOpts
	updates  []protocol.UpdateEntryOpts
	sets     []string
	chunks   []protocol.Chunk

	updateReply func() uint64
	createReply func() uint64
	fetchHook   func()
}

func newTestHost(t *testing.T, arena *Arena, status uint32, body string) *testHost {
	return &testHost{
		t:       t,
		arena:   arena,
		chunker: chunker.MustNew(chunker.Config{Size: 64, Overlap: 16}),
		status:  status,
		body:    body,
	}
}

func (h *testHost) take(ptr, size uint32) []byte {
	b, ok := h.arena.Bytes(ptr, size)
	if !ok {
		h.t.Fatalf("argument %s outside plugin memory", protocol.Pack(ptr, size))
	}
	out := append([]byte(nil), b...)
	h.arena.Deallocate(ptr, size)
	return out
}

func (h *testHost) give(b []byte) uint64 {
	ptr, size := h.arena.BytesToPointer(b)
	if ptr == 0 {
		h.t.Fatal("reply allocation failed")
	}
	return uint64(protocol.Pack(ptr, size))
}

func (h *testHost) imports() Imports {
	return Imports{
		Log: func(level, ptr, size uint32) {
			h.levels = append(h.levels, level)
			h.logs = append(h.logs, string(h.take(ptr, size)))
		},
		Fetch: func(ptr, size uint32) uint64 {
			req, err := protocol.DecodeRequest(h.take(ptr, size))
			if err != nil {
				h.t.Fatalf("DecodeRequest() error = %v", err)
			}
			h.requests = append(h.requests, req)
			if h.fetchHook != nil {
				h.fetchHook()
			}
			return h.give(protocol.EncodeResponse(protocol.Response{StatusCode: h.status, Body: []byte(h.body)}))
		},
		ChunkWithOverlap: func(ptr, size uint32) uint64 {
			text := string(h.take(ptr, size))
			return h.give(protocol.EncodeChunkResult(h.chunker.WithOverlap(text)))
		},
		ChunkBySentence: func(ptr, size uint32) uint64 {
			text := string(h.take(ptr, size))
			return h.give(protocol.EncodeChunkResult(h.chunker.BySentence(text)))
		},
		DetectLanguage: func(ptr, size uint32) uint64 {
			h.take(ptr, size)
			return h.give([]byte("german"))
		},
		UpdateEntry: func(ptr, size uint32) uint64 {
			u, err := protocol.DecodeUpdateEntry(h.take(ptr, size))
			if err != nil {
				h.t.Fatalf("DecodeUpdateEntry() error = %v", err)
			}
			h.updates = append(h.updates, u)
			if h.updateReply != nil {
				return h.updateReply()
			}
			return h.give(protocol.EncodeResult(protocol.Result{Count: 1}))
		},
		CreateChunks: func(ptr, size uint32) uint64 {
			c, err := protocol.DecodeCreateChunks(h.take(ptr, size))
			if err != nil {
				h.t.Fatalf("DecodeCreateChunks() error = %v", err)
			}
			h.sets = append(h.sets, c.EntryID)
			h.chunks = append(h.chunks, c.Chunks...)
			if h.createReply != nil {
				return h.createReply()
			}
			return h.give(protocol.EncodeResult(protocol.Result{Count: uint32(len(c.Chunks))}))
		},
	}
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.Name = "test"
	return cfg
}

func newTestPlugin(t *testing.T, cfg pipeline.Config, arena *Arena, imports Imports) *Plugin {
	t.Helper()
	p, err := New(cfg, arena, imports)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

// invoke writes the entry into plugin memory the way the host does, calls
// OnCreate and releases the entry buffer afterwards.
func invoke(t *testing.T, p *Plugin, e protocol.Entry) protocol.Packed {
	t.Helper()
	ptr, size := p.Arena().BytesToPointer(protocol.EncodeEntry(e))
	if ptr == 0 {
		t.Fatal("entry allocation failed")
	}
	packed := protocol.Packed(p.OnCreate(ptr, size))
	p.Arena().Deallocate(ptr, size)
	return packed
}

func readError(t *testing.T, a *Arena, packed protocol.Packed) *protocol.Error {
	t.Helper()
	if !packed.HasBuffer() {
		t.Fatalf("expected an error packet, got %s", packed)
	}
	b, ok := a.Bytes(packed.Ptr(), packed.Len())
	if !ok {
		t.Fatalf("error packet %s outside plugin memory", packed)
	}
	pe, err := protocol.DecodeError(b)
	if err != nil {
		t.Fatalf("DecodeError() error = %v", err)
	}
	a.Deallocate(packed.Ptr(), packed.Len())
	return pe
}

func assertKind(t *testing.T, pe *protocol.Error, kind protocol.ErrorKind) {
	t.Helper()
	if pe.Kind != kind {
		t.Errorf("kind = %v, want %v (%s)", pe.Kind, kind, pe.Message)
	}
}

func assertNoLeaks(t *testing.T, a *Arena) {
	t.Helper()
	if count, bytes := a.Live(); count != 0 {
		t.Errorf("%d allocations (%d bytes) still live", count, bytes)
	}
}

func TestOnCreateSuccess(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 200, "# Hi\nworld")
	p := newTestPlugin(t, testConfig(), arena, host.imports())

	packed := invoke(t, p, protocol.Entry{ID: "e1", URL: "http://x/doc.md", Type: protocol.TypeMarkdown})
	if !packed.IsZero() {
		t.Fatalf("unexpected result %s", packed)
	}

	if len(host.requests) != 1 || host.requests[0].URL != "http://x/doc.md" {
		t.Errorf("requests = %+v", host.requests)
	}

	if len(host.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(host.updates))
	}
	u := host.updates[0]
	if u.Content.PlainText != "Hi\nworld" {
		t.Errorf("plain text = %q", u.Content.PlainText)
	}
	if *u.Checksum != pipeline.Checksum("# Hi\nworld") || *u.Name != "http://x/doc.md" {
		t.Errorf("checksum %q name %q", *u.Checksum, *u.Name)
	}

	if len(host.sets) != 1 || host.sets[0] != "e1" {
		t.Errorf("chunk sets = %v, want one for e1", host.sets)
	}
	if len(host.chunks) == 0 {
		t.Fatal("no chunks created")
	}
	for i, c := range host.chunks {
		if c.Index != int32(i) || c.Language != "english" {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}

	assertNoLeaks(t, arena)
}

func TestOnCreatePropagatesErrors(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 404, "not found")
	p := newTestPlugin(t, testConfig(), arena, host.imports())

	pe := readError(t, arena, invoke(t, p, protocol.Entry{ID: "e1", URL: "http://x/gone", Type: protocol.TypeHTML}))

	assertKind(t, pe, protocol.KindNetwork)
	if !strings.Contains(pe.Message, "status 404") {
		t.Errorf("message = %q, want the status", pe.Message)
	}
	if len(host.updates) != 0 || len(host.chunks) != 0 {
		t.Error("nothing should be persisted")
	}
	assertNoLeaks(t, arena)
}

func TestOnCreateLogPolicy(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 500, "")
	cfg := testConfig()
	cfg.ErrorPolicy = pipeline.LogErrors
	p := newTestPlugin(t, cfg, arena, host.imports())

	if packed := invoke(t, p, protocol.Entry{ID: "e1", URL: "http://x/a", Type: protocol.TypeHTML}); !packed.IsZero() {
		t.Errorf("log policy returned %s, want success", packed)
	}

	if len(host.logs) == 0 {
		t.Fatal("failure was not logged")
	}
	if level := host.levels[len(host.levels)-1]; level != abi.LevelError {
		t.Errorf("level = %d, want error", level)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(host.logs[len(host.logs)-1]), &record); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if record["msg"] != "entry processing failed" || record["kind"] != "network error" {
		t.Errorf("record = %v", record)
	}
	assertNoLeaks(t, arena)
}

func TestOnCreateDecodeFailures(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 200, "")
	p := newTestPlugin(t, testConfig(), arena, host.imports())

	ptr, size := arena.BytesToPointer([]byte("not an envelope"))
	pe := readError(t, arena, protocol.Packed(p.OnCreate(ptr, size)))
	arena.Deallocate(ptr, size)
	assertKind(t, pe, protocol.KindDecode)

	pe = readError(t, arena, protocol.Packed(p.OnCreate(0x7fff0000, 32)))
	assertKind(t, pe, protocol.KindDecode)

	if len(host.requests) != 0 {
		t.Errorf("requests = %d, want 0", len(host.requests))
	}
	assertNoLeaks(t, arena)
}

func TestOnCreateHostErrorReplies(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 200, "text")
	host.updateReply = func() uint64 {
		return uint64(protocol.ErrorCode(protocol.KindPersistence))
	}
	p := newTestPlugin(t, testConfig(), arena, host.imports())

	pe := readError(t, arena, invoke(t, p, protocol.Entry{ID: "e1", URL: "http://x/a", Type: protocol.TypePlainText}))
	assertKind(t, pe, protocol.KindPersistence)
	if len(host.chunks) != 0 {
		t.Error("chunks must not be created after a failed update")
	}

	host.updateReply = nil
	host.createReply = func() uint64 {
		return host.give(protocol.EncodeError(protocol.KindPlugin, "capability create_chunks not granted"))
	}
	pe = readError(t, arena, invoke(t, p, protocol.Entry{ID: "e2", URL: "http://x/a", Type: protocol.TypePlainText}))
	assertKind(t, pe, protocol.KindPersistence)
	if !strings.Contains(pe.Message, "not granted") {
		t.Errorf("message = %q", pe.Message)
	}

	host.createReply = func() uint64 {
		return host.give(protocol.EncodeResult(protocol.Result{Err: protocol.Errorf(protocol.KindPersistence, "locked")}))
	}
	pe = readError(t, arena, invoke(t, p, protocol.Entry{ID: "e3", URL: "http://x/a", Type: protocol.TypePlainText}))
	assertKind(t, pe, protocol.KindPersistence)

	assertNoLeaks(t, arena)
}

func TestOnCreateRecoversPanics(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 200, "text")
	host.fetchHook = func() { panic("host exploded") }
	p := newTestPlugin(t, testConfig(), arena, host.imports())

	pe := readError(t, arena, invoke(t, p, protocol.Entry{ID: "e1", URL: "http://x/a", Type: protocol.TypePlainText}))
	assertKind(t, pe, protocol.KindPlugin)
	if !strings.Contains(pe.Message, "host exploded") {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestOnCreateSentenceAndHostLanguage(t *testing.T) {
	arena := NewArena()
	host := newTestHost(t, arena, 200, "<p>Erster Satz. Zweiter Satz.</p>")
	cfg := testConfig()
	cfg.Chunker = pipeline.ChunkBySentence
	cfg.Language = pipeline.LanguageHost
	p := newTestPlugin(t, cfg, arena, host.imports())

	packed := invoke(t, p, protocol.Entry{ID: "e1", Name: "doc", URL: "http://x/a", Type: protocol.TypeHTML})
	if !packed.IsZero() {
		t.Fatalf("unexpected result %s", packed)
	}

	if len(host.chunks) == 0 {
		t.Fatal("no chunks created")
	}
	if c := host.chunks[0]; c.Language != "german" || c.Content != "doc\nErster Satz. Zweiter Satz." {
		t.Errorf("first chunk = %+v", c)
	}
	assertNoLeaks(t, arena)
}

func TestErrorCodeWhenArenaExhausted(t *testing.T) {
	arena := NewArena(WithLimit(SegmentSize))
	p := newTestPlugin(t, testConfig(), arena, Imports{})

	if arena.Allocate(SegmentSize) == 0 {
		t.Fatal("filler allocation failed")
	}
	packed := protocol.Packed(p.fail(protocol.Errorf(protocol.KindExtraction, "bad body")))
	if packed.HasBuffer() || packed.Kind() != protocol.KindExtraction {
		t.Errorf("packed = %s, want a bufferless extraction error", packed)
	}
}

func TestUnboundImports(t *testing.T) {
	h := newABIHost(NewArena(), Imports{})

	if _, err := h.Fetch(protocol.RequestOpts{URL: "http://x"}); !errors.Is(err, protocol.ErrPlugin) {
		t.Errorf("Fetch: expected a plugin error, got %v", err)
	}

	res, err := h.ChunkWithOverlap("text")
	if !errors.Is(err, protocol.ErrPlugin) || len(res.Chunks) != 0 {
		t.Errorf("ChunkWithOverlap = %+v, %v", res, err)
	}

	h.Log(abi.LevelInfo, "dropped")
}

func TestRegister(t *testing.T) {
	active = nil
	t.Cleanup(func() { active = nil })

	if got := onCreate(0, 0); got != uint64(protocol.ErrorCode(protocol.KindPlugin)) {
		t.Errorf("onCreate without a plugin = %#x", got)
	}

	Register(testConfig())
	if active == nil {
		t.Fatal("Register did not install the plugin")
	}

	bad := testConfig()
	bad.Chunker = "paragraph"
	defer func() {
		if recover() == nil {
			t.Error("Register should panic on an invalid config")
		}
	}()
	Register(bad)
}
