package compiler

import wasm "github.com/wazc-project/wazc/internal/wasm"

// CompiledCatch is one entry of a compiled function's try/catch table,
// harvested from a try block's catchRecords by the Emitter and consumed by
// the Local-Slot Allocator to rewrite StackToDrop's local-slot offsets.
type CompiledCatch struct {
	TagIndex    wasm.Index
	IsCatchAll  bool
	HandlerPos  uint32
	StackToDrop uint32
}

// CompiledFunction is the Result Assembler's per-function record: the
// bytecode buffer the Emitter produced and the Local-Slot Allocator
// rewrote, plus the metadata a caller needs to set up a call frame.
type CompiledFunction struct {
	FuncIndex wasm.Index

	// Bytecode is the finished record stream: fixed-width records with
	// tail arrays, in the format described by bytecode.go.
	Bytecode []byte

	// FrameSize is the number of bytes a call frame for this function must
	// reserve, i.e. the watermark left by the Local-Slot Allocator after
	// slot assignment.
	FrameSize uint32

	// NumParams/NumResults let a caller lay out the frame's argument and
	// return area without re-deriving it from the module's type section.
	NumParams  int
	NumResults int

	Catches []CompiledCatch

	// LocalDebugNames is non-nil only when CompilerConfig.DebugDump is set;
	// it is never read by the compiler itself.
	LocalDebugNames []string
}

// CompiledGlobal pairs a module global's declared type with its
// initializer, compiled as a zero-argument, single-result function so a
// host runs it through the same call mechanism as everything else.
type CompiledGlobal struct {
	Type *wasm.GlobalType
	Init *CompiledFunction
}

// CompiledElementSegment mirrors wasm.ElementSegment with its offset
// expression (active segments only) compiled to bytecode.
type CompiledElementSegment struct {
	Mode       wasm.ElementSegmentMode
	TableIndex wasm.Index
	Offset     *CompiledFunction // nil for passive/declarative segments
	Init       []uint32
}

// CompiledDataSegment mirrors wasm.DataSegment with its offset expression
// (active segments only) compiled to bytecode.
type CompiledDataSegment struct {
	Mode        wasm.DataSegmentMode
	MemoryIndex wasm.Index
	Offset      *CompiledFunction // nil for passive segments
	Init        []byte
}

// CompiledModule is the Result Assembler's output: a decoded Module plus one
// CompiledFunction per entry in Module.CodeSection, plus every segment and
// global initializer compiled to the same bytecode form.
type CompiledModule struct {
	Module    *wasm.Module
	Functions []*CompiledFunction

	Globals  []*CompiledGlobal
	Elements []*CompiledElementSegment
	Data     []*CompiledDataSegment

	// StartFunc mirrors Module.StartSection, copied here so a host does not
	// need to hold onto the original *wasm.Module just to find it.
	StartFunc *wasm.Index
}
