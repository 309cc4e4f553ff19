// Package compiler lowers a decoded WebAssembly module into the fixed-width
// stack-offset bytecode described by the component design: a two-pass
// Emitter (Preprocess Collector, then emission with peepholes) followed by
// a Local-Slot Allocator, assembled by AssembleModule into a CompiledModule.
package compiler

import (
	"fmt"

	"github.com/wazc-project/wazc/internal/features"
	wasm "github.com/wazc-project/wazc/internal/wasm"
	wasmbinary "github.com/wazc-project/wazc/internal/wasm/binary"
	"go.uber.org/zap"
)

// defaultMaxRetainedConstants is §6's configuration knob default: the
// number of distinct constant values the Constant Pool keeps materialized
// in a function's prelude rather than re-encoding inline at every use.
const defaultMaxRetainedConstants = 6

// CompilerConfig holds the knobs a caller can tune before compiling a
// module, built up through a functional-options constructor.
type CompilerConfig struct {
	MaxRetainedConstants int
	EnableThreads        bool
	DebugDump            bool
	Logger               *zap.Logger
}

// Option configures a CompilerConfig.
type Option func(*CompilerConfig)

// WithMaxRetainedConstants overrides how many distinct constants the
// Constant Pool retains per function (§6 default: 6).
func WithMaxRetainedConstants(n int) Option {
	return func(c *CompilerConfig) { c.MaxRetainedConstants = n }
}

// WithThreads enables the threads/atomics opcode family. It is off by
// default; once enabled, a representative subset of atomic opcodes emits
// like its non-atomic numeric counterpart (see handleAtomic in ops_ext.go),
// while the rest of the family still decodes its memarg before reporting
// unsupported.
func WithThreads(enabled bool) Option {
	return func(c *CompilerConfig) { c.EnableThreads = enabled }
}

// WithDebugDump requests that CompiledFunction.LocalDebugNames be
// populated from the module's NameSection, for a disassembler.
func WithDebugDump(enabled bool) Option {
	return func(c *CompilerConfig) { c.DebugDump = enabled }
}

// WithLogger supplies a *zap.Logger for the compiler driver's per-function
// debug line and unsupported-opcode warnings. Unset, the driver logs
// nowhere.
func WithLogger(logger *zap.Logger) Option {
	return func(c *CompilerConfig) { c.Logger = logger }
}

func newConfig(opts []Option) *CompilerConfig {
	features.EnableFromEnvironment()
	cfg := &CompilerConfig{
		MaxRetainedConstants: defaultMaxRetainedConstants,
		EnableThreads:        features.Enabled("threads"),
		DebugDump:            features.Enabled("debugdump"),
		Logger:               zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// CompileModule runs the full pipeline (Emitter, Local-Slot Allocator,
// Result Assembler) over every function, global initializer, and
// element/data segment offset in mod.
func CompileModule(mod *wasm.Module, opts ...Option) (*CompiledModule, error) {
	cfg := newConfig(opts)
	cm, err := AssembleModule(mod, cfg.MaxRetainedConstants, cfg.EnableThreads, cfg.Logger)
	if err != nil {
		return nil, err
	}
	if cfg.DebugDump {
		attachDebugNames(mod, cm)
	}
	return cm, nil
}

// CompileFunction compiles a single function by its index in the function
// namespace (imports counted), bypassing the Result Assembler's
// module-level bookkeeping. Used by tooling that already has a decoded
// module and only wants to recompile one function, e.g. after an
// incremental edit.
func CompileFunction(mod *wasm.Module, funcIdx wasm.Index, opts ...Option) (*CompiledFunction, error) {
	cfg := newConfig(opts)
	cf, err := compileFunction(mod, funcIdx, cfg.MaxRetainedConstants, cfg.EnableThreads)
	if err != nil {
		cfg.Logger.Warn("function compilation fell back to the release-mode error path",
			zap.Uint32("funcIndex", funcIdx), zap.Error(err))
		return nil, err
	}
	cfg.Logger.Debug("compiled function",
		zap.Uint32("funcIndex", funcIdx),
		zap.Int("bytecodeLen", len(cf.Bytecode)),
		zap.Uint32("frameSize", cf.FrameSize))
	return cf, nil
}

// CompileBinary decodes a WebAssembly binary-format module and compiles it
// in one step: the upstream collaborator named by this package's own doc
// comment (the physical binary decoder turns bytes into section tables and
// Code bodies, never interpreting an instruction stream itself) feeding
// straight into CompileModule's Emitter/Local-Slot Allocator/Result
// Assembler pipeline. Used by cmd/wazc and by any caller that starts from
// raw .wasm bytes rather than an already-decoded *wasm.Module.
func CompileBinary(wasmBytes []byte, opts ...Option) (*CompiledModule, error) {
	mod, err := wasmbinary.DecodeModule(wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}
	return CompileModule(mod, opts...)
}

// attachDebugNames fills in each CompiledFunction.LocalDebugNames from the
// module's NameSection, when present, for DebugDump callers.
func attachDebugNames(mod *wasm.Module, cm *CompiledModule) {
	if mod.NameSection == nil {
		return
	}
	byFunc := make(map[wasm.Index]wasm.NameMap, len(mod.NameSection.LocalNames))
	for _, assoc := range mod.NameSection.LocalNames {
		byFunc[assoc.Index] = assoc.NameMap
	}
	for _, cf := range cm.Functions {
		names, ok := byFunc[cf.FuncIndex]
		if !ok {
			continue
		}
		maxIdx := wasm.Index(0)
		for _, n := range names {
			if n.Index+1 > maxIdx {
				maxIdx = n.Index + 1
			}
		}
		out := make([]string, maxIdx)
		for _, n := range names {
			out[n.Index] = n.Name
		}
		cf.LocalDebugNames = out
	}
}
