package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazc-project/wazc/internal/leb128"
	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// buildModule assembles a single-function synthetic module: funcType is its
// signature, locals are any function-scoped locals beyond the parameters,
// and body is the already-encoded instruction stream (including its
// trailing OpcodeEnd).
func buildModule(funcType *wasm.FunctionType, locals []wasm.ValueType, body []byte) *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{funcType},
		FunctionSection: []wasm.Index{0},
		CodeSection:     []*wasm.Code{{LocalTypes: locals, Body: body}},
	}
}

func leb(v int32) []byte { return leb128.EncodeInt32(v) }

// TestCompileFunctionHandlesImplicitFunctionEndWithoutError is a regression
// test for the implicit function-root block: every function body's own
// trailing OpcodeEnd must pop a real block rather than underflowing an
// empty block stack.
func TestCompileFunctionHandlesImplicitFunctionEndWithoutError(t *testing.T) {
	body := []byte{wasm.OpcodeEnd}
	mod := buildModule(&wasm.FunctionType{}, nil, body)

	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, cf.NumParams)
	assert.Equal(t, 0, cf.NumResults)
}

// TestCompileFunctionBranchToFunctionRootActsLikeReturn exercises br_if at
// the maximum valid depth: the core spec treats a function's own body as
// its enclosing label, so branching out of every explicit block (here,
// there are none -- depth 0 already reaches the function root) must behave
// like a conditional return instead of erroring as an out-of-range branch.
func TestCompileFunctionBranchToFunctionRootActsLikeReturn(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeLocalGet, 0x00, wasm.OpcodeBrIf}
	body = append(body, leb(0)...)
	body = append(body, wasm.OpcodeEnd)

	mod := buildModule(sig, nil, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, cf.Bytecode)
}

// TestCompileFunctionSimpleArithmetic is the loose-property analogue of
// SPEC_FULL.md's S1 scenario: it checks the shape the scenario describes
// (one constant materialized once, one binary add consuming the local and
// the constant, a stack big enough to hold both) without asserting the
// scenario's specific byte offsets, which are illustrative rather than a
// literal encoding of this implementation's offset arithmetic.
func TestCompileFunctionSimpleArithmetic(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeI32Const}
	body = append(body, leb(1)...)
	body = append(body, wasm.OpcodeI32Add, wasm.OpcodeEnd)

	mod := buildModule(sig, nil, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cf.FrameSize, uint32(8), "expected a frame size of at least 8 bytes (local + one operand)")

	var adds, consts int
	for pos := 0; pos < len(cf.Bytecode); {
		op := RecordOp(uint16(cf.Bytecode[pos]) | uint16(cf.Bytecode[pos+1])<<8)
		switch op {
		case RecordBinary:
			adds++
		case RecordConst32:
			consts++
		}
		pos += recordSizeAt(cf.Bytecode, pos)
	}
	assert.Equal(t, 1, adds, "expected exactly one binary-add record")
	assert.Equal(t, 1, consts, "expected exactly one materialized constant")
}

// recordSizeAt mirrors Buffer.recordSize for a plain []byte, since
// CompiledFunction.Bytecode is the finished record stream, not a live
// *Buffer.
func recordSizeAt(b []byte, pos int) int {
	buf := &Buffer{buf: b}
	return buf.recordSize(pos)
}

// TestCompileFunctionEqzBrIfFusion is SPEC_FULL.md's S4: an i32.eqz whose
// result feeds a br_if must fuse away entirely, leaving a single inverted
// jump-if-false against the eqz's original operand.
func TestCompileFunctionEqzBrIfFusion(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}}
	body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeI32Eqz, wasm.OpcodeBrIf}
	body = append(body, leb(0)...)
	body = append(body, wasm.OpcodeEnd)

	mod := buildModule(sig, nil, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)

	var unaryEqz, jumpIfFalse, jumpIfTrue int
	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		op := buf.RecordOpAt(pos)
		wasmOp := buf.WasmOpAt(pos)
		switch {
		case op == RecordUnary && wasmOp == wasm.OpcodeI32Eqz:
			unaryEqz++
		case op == RecordJumpIfFalse:
			jumpIfFalse++
		case op == RecordJumpIfTrue:
			jumpIfTrue++
		}
		pos += buf.recordSize(pos)
	}
	assert.Equal(t, 0, unaryEqz, "expected the eqz record to be fused away")
	assert.Equal(t, 1, jumpIfFalse, "expected exactly one inverted jump-if-false")
	assert.Equal(t, 0, jumpIfTrue, "did not expect an un-inverted jump-if-true")
}

// TestCompileFunctionEqzIfFusion is the `if` analogue of the eqz/br_if
// fusion above: an i32.eqz feeding an `if` condition must fuse the same way
// handleBlockStart pops the condition before handleBr ever gets a chance to
// see it. This guards against clearPendingEqz running before tryFuseEqz,
// which would silently make the peephole permanently dead for `if`.
func TestCompileFunctionEqzIfFusion(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}}
	body := []byte{
		wasm.OpcodeLocalGet, 0x00,
		wasm.OpcodeI32Eqz,
		wasm.OpcodeIf, 0x40, // empty blocktype
		wasm.OpcodeNop,
		wasm.OpcodeEnd, // closes the if
		wasm.OpcodeEnd, // closes the function
	}

	mod := buildModule(sig, nil, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)

	var unaryEqz, jumpIfFalse, jumpIfTrue int
	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		op := buf.RecordOpAt(pos)
		wasmOp := buf.WasmOpAt(pos)
		switch {
		case op == RecordUnary && wasmOp == wasm.OpcodeI32Eqz:
			unaryEqz++
		case op == RecordJumpIfFalse:
			jumpIfFalse++
		case op == RecordJumpIfTrue:
			jumpIfTrue++
		}
		pos += buf.recordSize(pos)
	}
	assert.Equal(t, 0, unaryEqz, "expected the eqz record to be fused away")
	assert.Equal(t, 1, jumpIfFalse, "expected exactly one inverted jump-if-false guarding the if block")
	assert.Equal(t, 0, jumpIfTrue, "did not expect an un-inverted jump-if-true")
}

// TestCompileFunctionLocalSlotCoalescing is SPEC_FULL.md's S6: two
// same-kind locals with non-overlapping live ranges must share one
// physical slot. Each local's value is routed through an i32.eqz (which
// always records its source offset) so the final, post-allocation offset
// is directly observable in the bytecode.
func TestCompileFunctionLocalSlotCoalescing(t *testing.T) {
	body := []byte{
		wasm.OpcodeI32Const,
	}
	body = append(body, leb(5)...)
	body = append(body,
		wasm.OpcodeLocalSet, 0x00,
		wasm.OpcodeLocalGet, 0x00,
		wasm.OpcodeI32Eqz,
		wasm.OpcodeDrop,
		wasm.OpcodeI32Const,
	)
	body = append(body, leb(7)...)
	body = append(body,
		wasm.OpcodeLocalSet, 0x01,
		wasm.OpcodeLocalGet, 0x01,
		wasm.OpcodeI32Eqz,
		wasm.OpcodeDrop,
		wasm.OpcodeEnd,
	)

	mod := buildModule(&wasm.FunctionType{}, []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)

	var eqzSrcs []uint32
	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		if buf.RecordOpAt(pos) == RecordUnary && buf.WasmOpAt(pos) == wasm.OpcodeI32Eqz {
			eqzSrcs = append(eqzSrcs, buf.Operand(pos, 0))
		}
		pos += buf.recordSize(pos)
	}
	require.Len(t, eqzSrcs, 2, "expected both locals' reads to reach an eqz record")
	assert.Equal(t, eqzSrcs[0], eqzSrcs[1], "expected the two non-overlapping locals to coalesce onto the same physical slot")
}

// TestCompileFunctionLoopBackEdgeBlocksSlotCoalescing exercises
// SPEC_FULL.md's branch-reachability closure (§8 property 8) and is the
// mirror image of TestCompileFunctionLocalSlotCoalescing. Local A is
// read then written early in the loop body; local B is read then written
// later. Read as a single linear pass, their windows look disjoint -- the
// same shape that earns two non-looping locals a shared slot -- but the
// trailing br_if closes a back-edge to the loop head, so A's value must
// still be live at the top of the next iteration, concurrently with all of
// B's activity. Without the reachability extension (§4.7 Step 2) the
// allocator would coalesce them onto the same physical offset exactly as it
// does in the non-looping case; with it, both intervals widen to the
// loop's end and they must land on distinct offsets.
func TestCompileFunctionLoopBackEdgeBlocksSlotCoalescing(t *testing.T) {
	body := []byte{
		wasm.OpcodeLoop, 0x40, // empty blocktype

		wasm.OpcodeLocalGet, 0x00, // read A
		wasm.OpcodeI32Eqz,
		wasm.OpcodeDrop,
		wasm.OpcodeI32Const,
	}
	body = append(body, leb(1)...)
	body = append(body,
		wasm.OpcodeLocalSet, 0x00, // write A

		wasm.OpcodeLocalGet, 0x01, // read B
		wasm.OpcodeI32Eqz,
		wasm.OpcodeDrop,
		wasm.OpcodeI32Const,
	)
	body = append(body, leb(2)...)
	body = append(body,
		wasm.OpcodeLocalSet, 0x01, // write B

		wasm.OpcodeI32Const,
	)
	body = append(body, leb(0)...)
	body = append(body, wasm.OpcodeBrIf)
	body = append(body, leb(0)...)
	body = append(body,
		wasm.OpcodeEnd, // closes the loop
		wasm.OpcodeEnd, // closes the function
	)

	mod := buildModule(&wasm.FunctionType{}, []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)

	var eqzSrcs []uint32
	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		if buf.RecordOpAt(pos) == RecordUnary && buf.WasmOpAt(pos) == wasm.OpcodeI32Eqz {
			eqzSrcs = append(eqzSrcs, buf.Operand(pos, 0))
		}
		pos += buf.recordSize(pos)
	}
	require.Len(t, eqzSrcs, 2, "expected both locals' reads to reach an eqz record")
	assert.NotEqual(t, eqzSrcs[0], eqzSrcs[1], "expected the back-edge to widen both intervals across the loop, preventing coalescing")
}

// TestCompileFunctionIfElseJumpFixupsAreFullyPatched is SPEC_FULL.md's
// block-fixup-exhaustiveness property applied to S2's if/else shape: no
// jump/conditional-jump record may be left pointing at a sentinel target
// once compilation succeeds.
func TestCompileFunctionIfElseJumpFixupsAreFullyPatched(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI32},
	}
	body := []byte{
		wasm.OpcodeLocalGet, 0x00,
		wasm.OpcodeLocalGet, 0x01,
		wasm.OpcodeI32LtS,
		wasm.OpcodeIf, 0x7f, // blocktype: single i32 result
		wasm.OpcodeLocalGet, 0x00,
		wasm.OpcodeElse,
		wasm.OpcodeLocalGet, 0x01,
		wasm.OpcodeEnd, // closes the if
		wasm.OpcodeEnd, // closes the function
	}

	mod := buildModule(sig, nil, body)
	cf, err := CompileFunction(mod, 0)
	require.NoError(t, err)

	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		op := buf.RecordOpAt(pos)
		switch op {
		case RecordJump, RecordJumpIfTrue, RecordJumpIfFalse:
			assert.NotEqual(t, noOffset, buf.Operand(pos, 3), "found an unpatched jump target at byte position %d", pos)
		}
		pos += buf.recordSize(pos)
	}
}

// TestCompileFunctionAtomicRmwAddEmitsLikeBinaryAdd is SPEC_FULL.md §4.6's
// atomics extension:
// once EnableThreads is set, a representative atomic opcode must get a real
// stack effect (the same one as its non-atomic numeric counterpart) instead
// of unconditionally failing as unsupported.
func TestCompileFunctionAtomicRmwAddEmitsLikeBinaryAdd(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI32},
	}
	body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeLocalGet, 0x01, wasm.OpcodeAtomicPrefix}
	body = append(body, leb128.EncodeUint32(wasm.OpcodeAtomicI32RmwAdd)...)
	body = append(body, leb128.EncodeUint32(2)...) // align
	body = append(body, leb128.EncodeUint32(0)...) // offset
	body = append(body, wasm.OpcodeEnd)

	mod := buildModule(sig, nil, body)

	cf, err := CompileFunction(mod, 0, WithThreads(true))
	require.NoError(t, err)

	var rmwAdds int
	for pos := 0; pos < len(cf.Bytecode); {
		buf := &Buffer{buf: cf.Bytecode}
		if buf.RecordOpAt(pos) == RecordBinary && buf.WasmOpAt(pos) == byte(wasm.OpcodeAtomicI32RmwAdd) {
			rmwAdds++
		}
		pos += buf.recordSize(pos)
	}
	assert.Equal(t, 1, rmwAdds, "expected the atomic rmw.add to emit one binary record")
}

// TestCompileFunctionAtomicRejectedWithoutThreadsEnabled confirms the
// opt-in gate: the same body fails as unsupported when EnableThreads is not
// set, rather than silently compiling.
func TestCompileFunctionAtomicRejectedWithoutThreadsEnabled(t *testing.T) {
	sig := &wasm.FunctionType{
		Params:  []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		Results: []wasm.ValueType{wasm.ValueTypeI32},
	}
	body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeLocalGet, 0x01, wasm.OpcodeAtomicPrefix}
	body = append(body, leb128.EncodeUint32(wasm.OpcodeAtomicI32RmwAdd)...)
	body = append(body, leb128.EncodeUint32(2)...)
	body = append(body, leb128.EncodeUint32(0)...)
	body = append(body, wasm.OpcodeEnd)

	mod := buildModule(sig, nil, body)

	_, err := CompileFunction(mod, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedOpcode)
}

// TestCompileModuleUsesAllWorkersWithoutRaceOnIndependentFunctions exercises
// the GOMAXPROCS-sized worker pool against more functions than a single
// worker would process serially within a reasonable test budget, mainly as
// a shape check that every function slot comes back populated and in the
// right order despite concurrent compilation.
func TestCompileModuleUsesAllWorkersWithoutRaceOnIndependentFunctions(t *testing.T) {
	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
	const n = 32

	mod := &wasm.Module{
		TypeSection:     []*wasm.FunctionType{sig},
		FunctionSection: make([]wasm.Index, n),
		CodeSection:     make([]*wasm.Code, n),
	}
	for i := 0; i < n; i++ {
		mod.FunctionSection[i] = 0
		body := []byte{wasm.OpcodeLocalGet, 0x00, wasm.OpcodeI32Const}
		body = append(body, leb(int32(i))...)
		body = append(body, wasm.OpcodeI32Add, wasm.OpcodeEnd)
		mod.CodeSection[i] = &wasm.Code{Body: body}
	}

	cm, err := CompileModule(mod)
	require.NoError(t, err)
	require.Len(t, cm.Functions, n)
	for i, cf := range cm.Functions {
		require.NotNilf(t, cf, "function[%d] was never populated", i)
		assert.Equalf(t, wasm.Index(i), cf.FuncIndex, "function[%d]: results must land in the right slot under concurrency", i)
	}
}
