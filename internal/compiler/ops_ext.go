package compiler

import (
	"fmt"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// ---- misc-prefixed opcodes: saturating truncation + bulk memory ----------

func (fc *funcCompiler) handleMisc(pos int) error {
	fc.clearPendingEqz()
	sub, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	switch sub {
	case wasm.OpcodeMiscI32TruncSatF32S, wasm.OpcodeMiscI32TruncSatF32U:
		return fc.handleMiscConvert(pos, sub, wasm.ValueTypeF32, wasm.ValueTypeI32)
	case wasm.OpcodeMiscI32TruncSatF64S, wasm.OpcodeMiscI32TruncSatF64U:
		return fc.handleMiscConvert(pos, sub, wasm.ValueTypeF64, wasm.ValueTypeI32)
	case wasm.OpcodeMiscI64TruncSatF32S, wasm.OpcodeMiscI64TruncSatF32U:
		return fc.handleMiscConvert(pos, sub, wasm.ValueTypeF32, wasm.ValueTypeI64)
	case wasm.OpcodeMiscI64TruncSatF64S, wasm.OpcodeMiscI64TruncSatF64U:
		return fc.handleMiscConvert(pos, sub, wasm.ValueTypeF64, wasm.ValueTypeI64)

	case wasm.OpcodeMiscMemoryInit:
		return fc.handleMiscThreeIdx(pos, sub, true, true)
	case wasm.OpcodeMiscDataDrop:
		return fc.handleMiscOneIdx(pos, sub)
	case wasm.OpcodeMiscMemoryCopy:
		return fc.handleMiscTwoIdxThreeOperand(pos, sub)
	case wasm.OpcodeMiscMemoryFill:
		return fc.handleMiscOneIdxThreeOperand(pos, sub)
	case wasm.OpcodeMiscTableInit:
		return fc.handleMiscThreeIdx(pos, sub, true, true)
	case wasm.OpcodeMiscElemDrop:
		return fc.handleMiscOneIdx(pos, sub)
	case wasm.OpcodeMiscTableCopy:
		return fc.handleMiscTwoIdxThreeOperand(pos, sub)
	case wasm.OpcodeMiscTableGrow:
		return fc.handleMiscTableGrow(pos, sub)
	case wasm.OpcodeMiscTableSize:
		return fc.handleMiscTableSize(pos, sub)
	case wasm.OpcodeMiscTableFill:
		return fc.handleMiscOneIdxThreeOperand(pos, sub)
	}
	return newUnsupportedOpcodeError(fc.funcIdx, pos, wasm.OpcodeMiscPrefix)
}

func (fc *funcCompiler) handleMiscConvert(pos int, sub wasm.OpcodeMisc, from, to wasm.ValueType) error {
	e, err := fc.values.popExpect(from)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.pass == 1 {
		fc.values.push(to)
		return nil
	}
	dst := fc.resultDest(to)
	fc.buf.AppendFixed(RecordUnary, byte(sub), e.CurrentOffset, noOffset, noOffset, dst)
	return nil
}

// handleMiscThreeIdx covers memory.init/table.init: two index immediates
// (segment, then memory/table) plus the (dst, src, n) i32 triple.
func (fc *funcCompiler) handleMiscThreeIdx(pos int, sub wasm.OpcodeMisc, _, _ bool) error {
	segIdx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	dstIdx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	n, src, dst, err := fc.popI32Triple(pos)
	if err != nil {
		return err
	}
	if fc.emit() {
		fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, noOffset,
			[]uint32{segIdx, dstIdx, dst, src, n})
	}
	return nil
}

func (fc *funcCompiler) handleMiscOneIdx(pos int, sub wasm.OpcodeMisc) error {
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if fc.emit() {
		fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, noOffset, []uint32{idx})
	}
	return nil
}

func (fc *funcCompiler) handleMiscTwoIdxThreeOperand(pos int, sub wasm.OpcodeMisc) error {
	idxA, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	idxB, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	n, src, dst, err := fc.popI32Triple(pos)
	if err != nil {
		return err
	}
	if fc.emit() {
		fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, noOffset,
			[]uint32{idxA, idxB, dst, src, n})
	}
	return nil
}

func (fc *funcCompiler) handleMiscOneIdxThreeOperand(pos int, sub wasm.OpcodeMisc) error {
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	n, val, dst, err := fc.popI32Triple(pos)
	if err != nil {
		return err
	}
	if fc.emit() {
		fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, noOffset,
			[]uint32{idx, dst, val, n})
	}
	return nil
}

func (fc *funcCompiler) handleMiscTableGrow(pos int, sub wasm.OpcodeMisc) error {
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	n, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	kind, _ := tableElemType(fc.mod, idx)
	val, err := fc.values.popExpect(kind)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeI32)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeI32)
	fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, dst, []uint32{idx, val.CurrentOffset, n.CurrentOffset})
	return nil
}

func (fc *funcCompiler) handleMiscTableSize(pos int, sub wasm.OpcodeMisc) error {
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeI32)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeI32)
	fc.buf.AppendWithTail(RecordMisc, byte(sub), noOffset, noOffset, noOffset, dst, []uint32{idx})
	return nil
}

// popI32Triple pops the (n, src, dst) i32 operands shared by the
// copy/fill/init bulk-memory ops, in their on-stack order (dst pushed
// first, then src, then n).
func (fc *funcCompiler) popI32Triple(pos int) (n, src, dst uint32, err error) {
	nE, e1 := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, e1); lerr != nil {
		return 0, 0, 0, lerr
	}
	srcE, e2 := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, e2); lerr != nil {
		return 0, 0, 0, lerr
	}
	dstE, e3 := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, e3); lerr != nil {
		return 0, 0, 0, lerr
	}
	return nE.CurrentOffset, srcE.CurrentOffset, dstE.CurrentOffset, nil
}

// ---- vec-prefixed (SIMD) opcodes: representative subset -------------------

func (fc *funcCompiler) handleVec(pos int) error {
	fc.clearPendingEqz()
	sub, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	switch sub {
	case wasm.OpcodeVecV128Load:
		align, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		offset, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		addr, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.pass == 1 {
			fc.values.push(wasm.ValueTypeV128)
			return nil
		}
		dst := fc.resultDest(wasm.ValueTypeV128)
		_ = align
		fc.buf.AppendFixed(RecordLoad, wasm.OpcodeVecPrefix, addr.CurrentOffset, align, offset, dst)
		return nil

	case wasm.OpcodeVecV128Store:
		align, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		offset, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		val, err := fc.values.popExpect(wasm.ValueTypeV128)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		addr, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.emit() {
			fc.buf.AppendFixed(RecordStore, wasm.OpcodeVecPrefix, addr.CurrentOffset, val.CurrentOffset, align, offset)
		}
		return nil

	case wasm.OpcodeVecV128Const:
		var lo, hi uint64
		for i := 0; i < 8; i++ {
			b, err := fc.cur.readByte()
			if err != nil {
				return newStructuralError(fc.funcIdx, pos, err)
			}
			lo |= uint64(b) << (8 * i)
		}
		for i := 0; i < 8; i++ {
			b, err := fc.cur.readByte()
			if err != nil {
				return newStructuralError(fc.funcIdx, pos, err)
			}
			hi |= uint64(b) << (8 * i)
		}
		if fc.pass == 1 {
			fc.collector.onConstant(wasm.ValueTypeV128, lo, hi)
			fc.values.push(wasm.ValueTypeV128)
			return nil
		}
		if slot, ok := fc.pool.lookup(constKey{Kind: wasm.ValueTypeV128, Lo: lo, Hi: hi}); ok {
			fc.values.pushAt(wasm.ValueTypeV128, slot, 0, false)
			return nil
		}
		dst := fc.resultDest(wasm.ValueTypeV128)
		fc.buf.AppendFixed(RecordConst128, wasm.OpcodeVecPrefix, uint32(lo), uint32(lo>>32), uint32(hi), dst)
		return nil

	case wasm.OpcodeVecI32x4Add, wasm.OpcodeVecI32x4Sub, wasm.OpcodeVecI32x4Mul,
		wasm.OpcodeVecF32x4Add, wasm.OpcodeVecF32x4Sub, wasm.OpcodeVecF32x4Mul:
		b, err := fc.values.popExpect(wasm.ValueTypeV128)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		a, err := fc.values.popExpect(wasm.ValueTypeV128)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.pass == 1 {
			fc.values.push(wasm.ValueTypeV128)
			return nil
		}
		dst := fc.resultDest(wasm.ValueTypeV128)
		fc.buf.AppendFixed(RecordBinary, byte(sub), a.CurrentOffset, b.CurrentOffset, noOffset, dst)
		return nil
	}

	return newUnsupportedOpcodeError(fc.funcIdx, pos, wasm.OpcodeVecPrefix)
}

// ---- atomic-prefixed opcodes: representative subset -----------------------

// handleAtomic decodes the threads/atomics encoding (sub-opcode, then a
// memarg) and, when CompilerConfig.EnableThreads is set, emits a
// representative subset the same way handleVec does for SIMD: a load, a
// store, and one read-modify-write, each given the stack effect of its
// non-atomic numeric counterpart per SPEC_FULL.md §4.6's atomics
// extension. The remaining
// atomic opcodes still decode far enough to keep the cursor synchronized
// before reporting unsupported, so a structurally valid but unimplemented
// atomic op never desyncs the walk.
func (fc *funcCompiler) handleAtomic(pos int) error {
	fc.clearPendingEqz()
	if !fc.threadsEnabled {
		return newUnsupportedOpcodeError(fc.funcIdx, pos, wasm.OpcodeAtomicPrefix)
	}
	sub, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	switch sub {
	case wasm.OpcodeAtomicI32Load:
		align, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		offset, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		addr, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.pass == 1 {
			fc.values.push(wasm.ValueTypeI32)
			return nil
		}
		dst := fc.resultDest(wasm.ValueTypeI32)
		fc.buf.AppendFixed(RecordLoad, byte(sub), addr.CurrentOffset, align, offset, dst)
		return nil

	case wasm.OpcodeAtomicI32Store:
		align, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		offset, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		val, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		addr, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.emit() {
			fc.buf.AppendFixed(RecordStore, byte(sub), addr.CurrentOffset, val.CurrentOffset, align, offset)
		}
		return nil

	case wasm.OpcodeAtomicI32RmwAdd:
		// memarg precedes the operands on the wire, same as load/store.
		align, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		offset, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		val, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		addr, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		if fc.pass == 1 {
			fc.values.push(wasm.ValueTypeI32)
			return nil
		}
		// Its non-atomic numeric counterpart is i32.add: same (i32,i32)->i32
		// stack contract, carrying addr/val as its two operands and the
		// memarg packed into src2/dst the way load/store do.
		dst := fc.resultDest(wasm.ValueTypeI32)
		_ = align
		fc.buf.AppendFixed(RecordBinary, byte(sub), addr.CurrentOffset, val.CurrentOffset, offset, dst)
		return nil
	}

	// Still decode the memarg so the cursor stays synchronized for any
	// atomic opcode outside the representative subset above.
	if _, err := fc.cur.readU32(); err != nil { // align
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if _, err := fc.cur.readU32(); err != nil { // offset
		return newStructuralError(fc.funcIdx, pos, err)
	}
	return newStructuralError(fc.funcIdx, pos, fmt.Errorf("atomics: %w", ErrUnsupportedOpcode))
}
