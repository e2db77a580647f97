package wasm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/api/abi"
	"github.com/keystroke-tools/hub/pkg/protocol"
)

// InstanceManager creates and manages module instances.
// The hubble host module is registered on the runtime the first time an
// instance is created, so a runtime supports one manager.
type InstanceManager struct {
	runtime   *Runtime
	logger    *zap.Logger
	hostFuncs *HostFunctionsImpl

	hostOnce sync.Once
	hostErr  error
}

// NewInstanceManager creates a new instance manager.
func NewInstanceManager(runtime *Runtime, hostFuncs *HostFunctionsImpl, logger *zap.Logger) *InstanceManager {
	return &InstanceManager{
		runtime:   runtime,
		hostFuncs: hostFuncs,
		logger:    logger.With(zap.String("component", "wasm-instance")),
	}
}

// InstanceConfig holds configuration for creating instances.
type InstanceConfig struct {
	// Module name to instantiate.
	ModuleName string

	// Instance ID (if empty, generates UUID).
	InstanceID string

	// Capabilities granted to the instance. Nil grants every import.
	Capabilities []abi.Capability

	// Timeout bounds each on_create call. Zero means no limit.
	Timeout time.Duration
}

// Instance represents an instantiated Wasm module.
type Instance struct {
	module api.Module
	memory *Memory

	ID        string
	Name      string
	CreatedAt int64

	granted map[abi.Capability]bool
	timeout time.Duration
	onClose func()

	// Exported functions (cached for performance).
	exports map[string]api.Function
}

// Instantiate creates a new instance from a compiled module. The reactor's
// _initialize runs as part of instantiation.
func (m *InstanceManager) Instantiate(ctx context.Context, config *InstanceConfig) (*Instance, error) {
	compiled, ok := m.runtime.GetCompiledModule(config.ModuleName)
	if !ok {
		return nil, &ModuleNotFoundError{ModuleName: config.ModuleName}
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	if limit := m.runtime.config.MaxInstances; limit > 0 && m.runtime.InstanceCount() >= limit {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        fmt.Errorf("instance limit %d reached", limit),
		}
	}

	if err := m.ensureHostModule(ctx); err != nil {
		return nil, err
	}

	m.logger.Debug("Instantiating Wasm module",
		zap.String("module", config.ModuleName),
		zap.String("instance_id", instanceID),
	)

	moduleConfig := wazero.NewModuleConfig().
		WithName(instanceID).
		WithStartFunctions(abi.ExportInitialize).
		WithSysWalltime().
		WithSysNanotime().
		WithStderr(os.Stderr)

	module, err := m.runtime.runtime.InstantiateModule(ctx, compiled.Module, moduleConfig)
	if err != nil {
		return nil, &InstantiationError{
			ModuleName: config.ModuleName,
			InstanceID: instanceID,
			Err:        err,
		}
	}

	instance := newInstance(module, instanceID, config)
	instance.onClose = func() { m.runtime.DeleteInstance(instanceID) }
	m.runtime.StoreInstance(instance)

	m.logger.Debug("Module instantiated successfully",
		zap.String("instance_id", instanceID),
		zap.Int("exported_functions", len(instance.exports)),
	)

	return instance, nil
}

// Invoke runs on_create for entry in a fresh instance and closes it.
func (m *InstanceManager) Invoke(ctx context.Context, config *InstanceConfig, entry protocol.Entry) error {
	inst, err := m.Instantiate(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := inst.Close(context.WithoutCancel(ctx)); cerr != nil {
			m.logger.Warn("Failed to close instance", zap.String("instance_id", inst.ID), zap.Error(cerr))
		}
	}()
	return inst.OnCreate(ctx, entry)
}

func (m *InstanceManager) ensureHostModule(ctx context.Context) error {
	m.hostOnce.Do(func() {
		builder := m.runtime.runtime.NewHostModuleBuilder(abi.ImportModule)
		m.hostFuncs.export(builder)
		if _, err := builder.Instantiate(ctx); err != nil {
			m.hostErr = fmt.Errorf("failed to instantiate host module: %w", err)
		}
	})
	return m.hostErr
}

func newInstance(module api.Module, id string, config *InstanceConfig) *Instance {
	var granted map[abi.Capability]bool
	if config.Capabilities != nil {
		granted = make(map[abi.Capability]bool, len(config.Capabilities))
		for _, c := range config.Capabilities {
			granted[c] = true
		}
	}
	return &Instance{
		module:    module,
		memory:    NewMemory(module),
		ID:        id,
		Name:      config.ModuleName,
		CreatedAt: time.Now().Unix(),
		granted:   granted,
		timeout:   config.Timeout,
		exports:   cacheExportedFunctions(module),
	}
}

// OnCreate hands entry to the plugin. A nil return means the plugin
// processed the entry; otherwise the error is a *protocol.Error carrying the
// plugin's failure kind, or one of this package's errors when the call
// itself could not be made.
func (i *Instance) OnCreate(ctx context.Context, entry protocol.Entry) error {
	fn, ok := i.exports[abi.ExportOnCreate]
	if !ok {
		return &FunctionNotFoundError{ModuleName: i.Name, FunctionName: abi.ExportOnCreate}
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	ctx = withInvocation(ctx, &invocation{plugin: i.Name, entryID: entry.ID, granted: i.granted})

	ptr, size, err := i.memory.WriteBytes(ctx, protocol.EncodeEntry(entry))
	if err != nil {
		return err
	}

	res, err := fn.Call(ctx, uint64(ptr), uint64(size))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Duration: i.timeout}
		}
		return &ExecutionError{ModuleName: i.Name, FunctionName: abi.ExportOnCreate, Err: err}
	}
	// The entry buffer is borrowed for the duration of the call.
	_ = i.memory.Free(ctx, ptr, size)

	return i.decodeOutcome(ctx, protocol.Packed(res[0]))
}

func (i *Instance) decodeOutcome(ctx context.Context, packed protocol.Packed) error {
	if packed.IsZero() {
		return nil
	}
	if !packed.HasBuffer() {
		return protocol.Errorf(packed.Kind(), "plugin %s failed", i.Name)
	}

	buf, ok := i.memory.ReadBytes(packed.Ptr(), packed.Len())
	_ = i.memory.Free(ctx, packed.Ptr(), packed.Len())
	if !ok {
		return &MemoryAccessError{Operation: "read", Address: packed.Ptr(), Length: packed.Len()}
	}

	pe, err := protocol.DecodeError(buf)
	if err != nil {
		return protocol.Wrap(protocol.KindDecode, err, fmt.Sprintf("plugin %s returned a malformed error", i.Name))
	}
	return pe
}

// Module returns the underlying wazero module.
func (i *Instance) Module() api.Module {
	return i.module
}

// Close closes the instance and releases resources.
func (i *Instance) Close(ctx context.Context) error {
	if i.onClose != nil {
		i.onClose()
	}
	return i.module.Close(ctx)
}

// cacheExportedFunctions caches references to exported functions.
func cacheExportedFunctions(module api.Module) map[string]api.Function {
	exports := make(map[string]api.Function)

	for _, name := range []string{abi.ExportOnCreate, abi.ExportAllocate, abi.ExportDeallocate} {
		if fn := module.ExportedFunction(name); fn != nil {
			exports[name] = fn
		}
	}

	return exports
}
