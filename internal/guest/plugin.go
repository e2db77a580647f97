package guest

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/internal/pipeline"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Plugin binds a pipeline to the ABI: it decodes entries handed over by the
// host and turns pipeline failures into return values per the error policy.
type Plugin struct {
	arena    *Arena
	host     *abiHost
	pipeline *pipeline.Pipeline
	policy   pipeline.ErrorPolicy
	logger   *zap.Logger
}

// New builds a plugin whose host calls go through imports and whose buffers
// live in arena.
func New(cfg pipeline.Config, arena *Arena, imports Imports) (*Plugin, error) {
	host := newABIHost(arena, imports)
	p, err := pipeline.New(cfg, host, nil)
	if err != nil {
		return nil, err
	}
	return &Plugin{
		arena:    arena,
		host:     host,
		pipeline: p,
		policy:   p.Config().ErrorPolicy,
		logger:   p.Logger(),
	}, nil
}

// Arena returns the plugin's allocator.
func (p *Plugin) Arena() *Arena {
	return p.arena
}

// OnCreate processes the Entry envelope at [ptr, ptr+size). The buffer is
// borrowed; the host releases it after the call. It returns 0 on success,
// or a packed error packet owned by the host, or a bufferless error code
// when the packet could not be allocated.
func (p *Plugin) OnCreate(ptr, size uint32) (packed uint64) {
	defer func() {
		if r := recover(); r != nil {
			packed = p.fail(protocol.Errorf(protocol.KindPlugin, "panic: %v", r))
		}
	}()

	buf, ok := p.arena.Bytes(ptr, size)
	if !ok {
		return p.fail(protocol.Errorf(protocol.KindDecode, "entry buffer %s is outside plugin memory", protocol.Pack(ptr, size)))
	}

	entry, err := protocol.DecodeEntry(buf)
	if err != nil {
		return p.fail(protocol.AsError(err))
	}

	if _, err := p.pipeline.Run(entry); err != nil {
		return p.fail(protocol.AsError(err))
	}
	return 0
}

func (p *Plugin) fail(err *protocol.Error) uint64 {
	if p.policy == pipeline.LogErrors {
		p.logger.Error("entry processing failed",
			zap.Stringer("kind", err.Kind),
			zap.Error(err))
		return 0
	}

	ptr, size := p.arena.BytesToPointer(protocol.EncodeError(err.Kind, err.Detail()))
	if ptr == 0 {
		return uint64(protocol.ErrorCode(err.Kind))
	}
	return uint64(protocol.Pack(ptr, size))
}

var (
	defaultArena = NewArena()
	active       *Plugin
)

// Register installs the plugin served by the module exports. It is meant to
// be called from the init function of a plugin's main package and panics on
// an invalid configuration.
func Register(cfg pipeline.Config) {
	p, err := New(cfg, defaultArena, HostImports())
	if err != nil {
		panic(fmt.Sprintf("registering plugin %q: %v", cfg.Name, err))
	}
	active = p
}

func onCreate(ptr, size uint32) uint64 {
	if active == nil {
		return uint64(protocol.ErrorCode(protocol.KindPlugin))
	}
	return active.OnCreate(ptr, size)
}
