package wasm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/keystroke-tools/hub/api/abi"
)

// requiredExports are the functions every plugin module must export.
var requiredExports = []string{
	abi.ExportInitialize,
	abi.ExportOnCreate,
	abi.ExportAllocate,
	abi.ExportDeallocate,
}

var knownImports = map[string]bool{
	abi.ImportLog:              true,
	abi.ImportFetch:            true,
	abi.ImportChunkWithOverlap: true,
	abi.ImportChunkBySentence:  true,
	abi.ImportDetectLanguage:   true,
	abi.ImportUpdateEntry:      true,
	abi.ImportCreateChunks:     true,
}

// ModuleLoader handles loading and compiling Wasm modules.
type ModuleLoader struct {
	runtime *Runtime
	logger  *zap.Logger
}

// NewModuleLoader creates a new module loader.
func NewModuleLoader(runtime *Runtime, logger *zap.Logger) *ModuleLoader {
	return &ModuleLoader{
		runtime: runtime,
		logger:  logger.With(zap.String("component", "wasm-loader")),
	}
}

// ModuleSource represents a source for Wasm bytecode.
type ModuleSource interface {
	// Bytes returns the Wasm bytecode.
	Bytes() ([]byte, error)

	// Name returns the name the module is cached under.
	Name() string

	// Origin describes where the bytecode came from.
	Origin() string
}

// FileModuleSource loads Wasm from a file.
type FileModuleSource struct {
	ModuleName string
	Path       string
}

// Bytes reads the Wasm file.
func (f *FileModuleSource) Bytes() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// Name returns the module name, or the path when unset.
func (f *FileModuleSource) Name() string {
	if f.ModuleName != "" {
		return f.ModuleName
	}
	return f.Path
}

// Origin returns the file path.
func (f *FileModuleSource) Origin() string {
	return f.Path
}

// MemoryModuleSource loads Wasm from memory.
type MemoryModuleSource struct {
	ModuleName string
	Data       []byte
}

// Bytes returns the Wasm bytecode.
func (m *MemoryModuleSource) Bytes() ([]byte, error) {
	return m.Data, nil
}

// Name returns the module name.
func (m *MemoryModuleSource) Name() string {
	return m.ModuleName
}

// Origin reports an in-memory module.
func (m *MemoryModuleSource) Origin() string {
	return "memory:" + m.ModuleName
}

// LoadModule compiles a plugin module and checks it against the ABI.
// Compiled modules are cached by name.
func (l *ModuleLoader) LoadModule(ctx context.Context, source ModuleSource) (*CompiledModule, error) {
	if cached, ok := l.runtime.GetCompiledModule(source.Name()); ok {
		l.logger.Debug("Module cache hit",
			zap.String("module", source.Name()),
		)
		return cached, nil
	}

	wasmBytes, err := source.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", source.Origin(), err)
	}

	l.logger.Info("Compiling Wasm module",
		zap.String("module", source.Name()),
		zap.String("origin", source.Origin()),
		zap.Int("size_bytes", len(wasmBytes)),
	)

	startTime := time.Now()

	compiled, err := l.runtime.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &CompilationError{
			ModuleName: source.Name(),
			Err:        err,
		}
	}

	if err := checkABI(compiled.ExportedFunctions(), compiled.ImportedFunctions()); err != nil {
		_ = compiled.Close(ctx)
		return nil, &CompilationError{ModuleName: source.Name(), Err: err}
	}

	duration := time.Since(startTime)

	compiledModule := &CompiledModule{
		Module:     compiled,
		Name:       source.Name(),
		Source:     source.Origin(),
		SizeBytes:  int64(len(wasmBytes)),
		CompiledAt: time.Now().Unix(),
	}

	l.runtime.StoreCompiledModule(compiledModule)

	l.logger.Info("Module compiled successfully",
		zap.String("module", source.Name()),
		zap.Duration("duration", duration),
	)

	return compiledModule, nil
}

// checkABI verifies a module exports the plugin entry points and imports
// nothing from hubble that the host does not provide.
func checkABI(exports map[string]api.FunctionDefinition, imports []api.FunctionDefinition) error {
	for _, name := range requiredExports {
		if _, ok := exports[name]; !ok {
			return fmt.Errorf("missing export %q", name)
		}
	}
	for _, fn := range imports {
		module, name, ok := fn.Import()
		if ok && module == abi.ImportModule && !knownImports[name] {
			return fmt.Errorf("unknown host import %s.%s", module, name)
		}
	}
	return nil
}

// LoadModuleFromFile is a convenience function for loading from a file path.
func (l *ModuleLoader) LoadModuleFromFile(ctx context.Context, name, path string) (*CompiledModule, error) {
	return l.LoadModule(ctx, &FileModuleSource{ModuleName: name, Path: path})
}

// LoadModuleFromMemory loads from a byte slice.
func (l *ModuleLoader) LoadModuleFromMemory(ctx context.Context, name string, data []byte) (*CompiledModule, error) {
	return l.LoadModule(ctx, &MemoryModuleSource{ModuleName: name, Data: data})
}
