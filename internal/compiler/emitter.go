package compiler

import (
	"fmt"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// funcCompiler holds all per-function compile state: the Value-Stack
// Tracker, Block Stack, bytecode Buffer, Preprocess Collector and Constant
// Pool described by the component design, plus the raw cursor over the
// function's body. A single funcCompiler instance is walked twice -- pass 1
// feeds the collector, pass 2 emits -- so every field that differs between
// passes is reset by compileFunction before each pass.
type funcCompiler struct {
	mod     *wasm.Module
	funcIdx wasm.Index
	sig     *wasm.FunctionType
	code    *wasm.Code

	localKind []wasm.ValueType
	localHome []uint32
	localBase uint32 // first byte past the last local's slot

	threadsEnabled bool
	maxRetained    int

	values *valueStack
	blocks *blockStack
	buf    *Buffer

	collector *preprocessCollector
	pool      *constantPool

	pass    int // 1 (preprocess) or 2 (emit)
	stopped bool
	cur     bodyCursor

	pendingEqz *pendingEqzInfo

	// catches accumulates each try block's catchRecords (pre-rewrite,
	// pre-prelude buffer positions) as its matching `end` is reached; the
	// Local-Slot Allocator turns these into CompiledFunction.Catches once
	// it knows the prelude length and the local-offset remap.
	catches []catchRecord
}

// pendingEqzInfo remembers the most recently emitted i32.eqz record so that
// an immediately following br_if/if can fuse it away (peephole (c)): the
// eqz's own test is inverted into the branch's condition instead of
// materializing a boolean.
type pendingEqzInfo struct {
	recordPos  int
	srcOffset  uint32
	resultOff  uint32
}

func newFuncCompiler(mod *wasm.Module, funcIdx wasm.Index, maxRetained int, threadsEnabled bool) (*funcCompiler, error) {
	sig := mod.TypeOfFunction(funcIdx)
	if sig == nil {
		return nil, newStructuralError(funcIdx, 0, fmt.Errorf("no signature for function"))
	}
	codeIdx := funcIdx - importedFuncCount(mod)
	if int(codeIdx) >= len(mod.CodeSection) {
		return nil, newStructuralError(funcIdx, 0, fmt.Errorf("no code entry for function"))
	}
	code := mod.CodeSection[codeIdx]

	fc := &funcCompiler{
		mod: mod, funcIdx: funcIdx, sig: sig, code: code,
		threadsEnabled: threadsEnabled, maxRetained: maxRetained,
		cur: bodyCursor{body: code.Body},
	}

	fc.localKind = append(append([]wasm.ValueType{}, sig.Params...), code.LocalTypes...)
	fc.localHome = make([]uint32, len(fc.localKind))
	var off uint32
	for i, k := range fc.localKind {
		fc.localHome[i] = off
		off += uint32(wasm.ValueTypeSize(k))
	}
	fc.localBase = off
	return fc, nil
}

func importedFuncCount(mod *wasm.Module) wasm.Index {
	var n wasm.Index
	for _, im := range mod.ImportSection {
		if im.Kind == wasm.ImportKindFunc {
			n++
		}
	}
	return n
}

// compileFunction runs the Preprocess Collector pass, assigns constant-pool
// slots, then runs the Emitter pass and hands the result to the Local-Slot
// Allocator.
func compileFunction(mod *wasm.Module, funcIdx wasm.Index, maxRetained int, threadsEnabled bool) (*CompiledFunction, error) {
	fc, err := newFuncCompiler(mod, funcIdx, maxRetained, threadsEnabled)
	if err != nil {
		return nil, err
	}

	numParamsLocals := len(fc.localKind)
	fc.collector = newPreprocessCollector(numParamsLocals, maxRetained)
	fc.pass = 1
	fc.values = &valueStack{}
	fc.blocks = &blockStack{}
	fc.blocks.push(fc.newFunctionRootBlock())
	fc.buf = &Buffer{}
	fc.cur = bodyCursor{body: fc.code.Body}
	fc.stopped = false
	if err := fc.walkBody(); err != nil {
		return nil, err
	}

	fc.pool = newConstantPool(fc.collector.retainedConstants())
	stackStart := fc.pool.assignSlots(fc.localBase)

	fc.pass = 2
	fc.values = &valueStack{size: stackStart, watermark: stackStart}
	fc.blocks = &blockStack{}
	fc.blocks.push(fc.newFunctionRootBlock())
	fc.buf = &Buffer{}
	fc.cur = bodyCursor{body: fc.code.Body}
	fc.stopped = false
	fc.pendingEqz = nil
	fc.catches = nil

	fc.pool.emitPrelude(fc.buf)
	if err := fc.walkBody(); err != nil {
		return nil, err
	}

	cf := &CompiledFunction{
		FuncIndex:  funcIdx,
		NumParams:  len(fc.sig.Params),
		NumResults: len(fc.sig.Results),
	}
	if err := allocateLocalSlots(fc, cf); err != nil {
		return nil, err
	}
	return cf, nil
}

// newFunctionRootBlock builds the implicit block every function body is
// nested in: its own closing `end` pops this entry, and a br/br_if/br_table
// whose depth resolves to it behaves like a return (the same results, the
// same canonicalization), matching the core spec's treatment of a function
// body as its own enclosing label.
func (fc *funcCompiler) newFunctionRootBlock() *blockRecord {
	return &blockRecord{
		Kind:           blockKindBlock,
		IsFunctionRoot: true,
		RootResults:    fc.sig.Results,
	}
}

// walkBody drives the shared instruction loop to either end-of-body or a
// structural error; both passes share this loop since the stack/block
// simulation they perform is identical, only the side effects (collector
// hooks vs. bytecode emission) differ.
func (fc *funcCompiler) walkBody() error {
	for !fc.cur.done() {
		if err := fc.step(); err != nil {
			return err
		}
	}
	if fc.blocks.depth() != 0 {
		return newStructuralError(fc.funcIdx, fc.cur.pos, ErrUnbalancedBlockEnd)
	}
	return nil
}

func (fc *funcCompiler) emit() bool { return fc.pass == 2 }

func (fc *funcCompiler) clearPendingEqz() { fc.pendingEqz = nil }

// step decodes and handles exactly one instruction.
func (fc *funcCompiler) step() error {
	pos := fc.cur.pos
	op, err := fc.cur.readByte()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	switch op {
	case wasm.OpcodeUnreachable:
		fc.clearPendingEqz()
		if fc.emit() {
			fc.buf.AppendFixed(RecordUnreachable, op, noOffset, noOffset, noOffset, noOffset)
		}
		fc.stopped = true
		return nil

	case wasm.OpcodeNop:
		fc.clearPendingEqz()
		return nil

	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		return fc.handleBlockStart(op, pos)

	case wasm.OpcodeElse:
		return fc.handleElse(pos)

	case wasm.OpcodeEnd:
		return fc.handleEnd(pos)

	case wasm.OpcodeTry:
		return fc.handleBlockStart(op, pos)
	case wasm.OpcodeCatch:
		return fc.handleCatch(pos, false)
	case wasm.OpcodeCatchAll:
		return fc.handleCatch(pos, true)
	case wasm.OpcodeThrow:
		return fc.handleThrow(pos)
	case wasm.OpcodeRethrow:
		return fc.handleRethrow(pos)
	case wasm.OpcodeDelegate:
		return fc.handleDelegate(pos)

	case wasm.OpcodeBr:
		return fc.handleBr(pos, false)
	case wasm.OpcodeBrIf:
		return fc.handleBr(pos, true)
	case wasm.OpcodeBrTable:
		return fc.handleBrTable(pos)
	case wasm.OpcodeReturn:
		return fc.handleReturn(pos)
	case wasm.OpcodeCall:
		return fc.handleCall(pos)
	case wasm.OpcodeCallIndirect:
		return fc.handleCallIndirect(pos)

	case wasm.OpcodeDrop:
		fc.clearPendingEqz()
		_, err := fc.values.pop()
		return fc.liftUnderflow(pos, err)

	case wasm.OpcodeSelect:
		return fc.handleSelect(pos, nil)
	case wasm.OpcodeSelectT:
		return fc.handleSelectTyped(pos)

	case wasm.OpcodeLocalGet:
		return fc.handleLocalGet(pos)
	case wasm.OpcodeLocalSet:
		return fc.handleLocalSet(pos, false)
	case wasm.OpcodeLocalTee:
		return fc.handleLocalSet(pos, true)
	case wasm.OpcodeGlobalGet:
		return fc.handleGlobalGet(pos)
	case wasm.OpcodeGlobalSet:
		return fc.handleGlobalSet(pos)

	case wasm.OpcodeTableGet:
		return fc.handleTableGet(pos)
	case wasm.OpcodeTableSet:
		return fc.handleTableSet(pos)
	case wasm.OpcodeRefNull:
		return fc.handleRefNull(pos)
	case wasm.OpcodeRefIsNull:
		return fc.handleGenericUnary(pos, op)
	case wasm.OpcodeRefFunc:
		return fc.handleRefFunc(pos)

	case wasm.OpcodeMemorySize:
		return fc.handleMemorySize(pos)
	case wasm.OpcodeMemoryGrow:
		return fc.handleMemoryGrow(pos)

	case wasm.OpcodeI32Const:
		return fc.handleConst(pos, wasm.ValueTypeI32)
	case wasm.OpcodeI64Const:
		return fc.handleConst(pos, wasm.ValueTypeI64)
	case wasm.OpcodeF32Const:
		return fc.handleConst(pos, wasm.ValueTypeF32)
	case wasm.OpcodeF64Const:
		return fc.handleConst(pos, wasm.ValueTypeF64)

	case wasm.OpcodeMiscPrefix:
		return fc.handleMisc(pos)
	case wasm.OpcodeVecPrefix:
		return fc.handleVec(pos)
	case wasm.OpcodeAtomicPrefix:
		return fc.handleAtomic(pos)
	}

	if isLoadOpcode(op) {
		return fc.handleLoad(pos, op)
	}
	if isStoreOpcode(op) {
		return fc.handleStore(pos, op)
	}
	if info, ok := lookupOpcode(op); ok {
		return fc.handleTableOp(pos, op, info)
	}

	return newUnsupportedOpcodeError(fc.funcIdx, pos, op)
}

func (fc *funcCompiler) liftUnderflow(pos int, err error) error {
	if err == nil {
		return nil
	}
	if fc.stopped {
		// A polymorphic stack after unreachable code may legitimately
		// underflow; synthesize nothing further to pop and proceed.
		return nil
	}
	return newStructuralError(fc.funcIdx, pos, err)
}

// ---- constants -------------------------------------------------------

func (fc *funcCompiler) handleConst(pos int, kind wasm.ValueType) error {
	fc.clearPendingEqz()
	var lo, hi uint64
	var err error
	switch kind {
	case wasm.ValueTypeI32:
		var v int32
		v, err = fc.cur.readI32()
		lo = uint64(uint32(v))
	case wasm.ValueTypeI64:
		var v int64
		v, err = fc.cur.readI64()
		lo = uint64(v)
	case wasm.ValueTypeF32:
		var v uint32
		v, err = fc.cur.readF32Bits()
		lo = uint64(v)
	case wasm.ValueTypeF64:
		var v uint64
		v, err = fc.cur.readF64Bits()
		lo = v
	}
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	if fc.pass == 1 {
		fc.collector.onConstant(kind, lo, hi)
		fc.values.push(kind)
		return nil
	}

	if slot, ok := fc.pool.lookup(constKey{Kind: kind, Lo: lo, Hi: hi}); ok {
		fc.values.pushAt(kind, slot, 0, false)
		return nil
	}
	dst := fc.resultDest(kind)
	op := RecordConst32
	if wasm.ValueTypeSize(kind) == 8 {
		op = RecordConst64
	}
	fc.buf.AppendFixed(op, byte(constWasmOpcodeFor(kind)), uint32(lo), uint32(lo>>32), noOffset, dst)
	return nil
}

func constWasmOpcodeFor(kind wasm.ValueType) wasm.Opcode { return constWasmOpcode(kind) }

// ---- locals ------------------------------------------------------------

func (fc *funcCompiler) handleLocalGet(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil || int(idx) >= len(fc.localKind) {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad local index"))
	}
	kind := fc.localKind[idx]
	if fc.pass == 1 {
		fc.collector.onLocalGet(idx, pos)
		fc.values.push(kind)
		return nil
	}
	fc.values.pushAt(kind, fc.localHome[idx], idx, true)
	return nil
}

func (fc *funcCompiler) handleLocalSet(pos int, isTee bool) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil || int(idx) >= len(fc.localKind) {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad local index"))
	}
	kind := fc.localKind[idx]

	if fc.pass == 1 {
		fc.collector.onLocalWrite(idx, pos, fc.blockSeenBranch())
		if isTee {
			e, err := fc.values.popExpect(kind)
			if lerr := fc.liftUnderflow(pos, err); lerr != nil {
				return lerr
			}
			fc.values.push(e.Kind)
		} else {
			_, err := fc.values.popExpect(kind)
			if lerr := fc.liftUnderflow(pos, err); lerr != nil {
				return lerr
			}
		}
		return nil
	}

	fc.materializeAliases(idx)
	e, err := fc.values.popExpect(kind)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if e.CurrentOffset != fc.localHome[idx] {
		fc.emitMove(kind, e.CurrentOffset, fc.localHome[idx])
	}
	if isTee {
		fc.values.pushAt(kind, fc.localHome[idx], idx, true)
	}
	return nil
}

// materializeAliases forces any live stack entry that currently references
// localIdx's home slot directly (peephole (b)) to its own canonical slot
// before the local is overwritten, so the still-live value is not corrupted
// by the write.
func (fc *funcCompiler) materializeAliases(localIdx wasm.Index) {
	home := fc.localHome[localIdx]
	for i := range fc.values.entries {
		e := &fc.values.entries[i]
		if e.HasLocalIndex && e.LocalIndex == localIdx && e.CurrentOffset == home {
			fc.emitMove(e.Kind, e.CurrentOffset, e.CanonicalOffset)
			e.CurrentOffset = e.CanonicalOffset
			e.HasLocalIndex = false
		}
	}
}

func (fc *funcCompiler) blockSeenBranch() bool {
	b, err := fc.blocks.top()
	if err != nil {
		return false
	}
	return b.SeenBranch
}

func (fc *funcCompiler) handleGlobalGet(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	kind, ok := globalValueType(fc.mod, idx)
	if !ok {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad global index"))
	}
	if fc.pass == 1 {
		fc.values.push(kind)
		return nil
	}
	dst := fc.resultDest(kind)
	fc.buf.AppendFixed(RecordLoad, wasm.OpcodeGlobalGet, idx, noOffset, noOffset, dst)
	return nil
}

func (fc *funcCompiler) handleGlobalSet(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	kind, ok := globalValueType(fc.mod, idx)
	if !ok {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad global index"))
	}
	e, err := fc.values.popExpect(kind)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.emit() {
		fc.buf.AppendFixed(RecordStore, wasm.OpcodeGlobalSet, idx, e.CurrentOffset, noOffset, noOffset)
	}
	return nil
}

func globalValueType(mod *wasm.Module, idx wasm.Index) (wasm.ValueType, bool) {
	var importCount wasm.Index
	for _, im := range mod.ImportSection {
		if im.Kind == wasm.ImportKindGlobal {
			if importCount == idx {
				return im.DescGlobal.ValType, true
			}
			importCount++
		}
	}
	i := idx - importCount
	if int(i) >= len(mod.GlobalSection) {
		return 0, false
	}
	return mod.GlobalSection[i].Type.ValType, true
}

// ---- tables / references ------------------------------------------------

func tableElemType(mod *wasm.Module, idx wasm.Index) (wasm.ValueType, bool) {
	var importCount wasm.Index
	for _, im := range mod.ImportSection {
		if im.Kind == wasm.ImportKindTable {
			if importCount == idx {
				return im.DescTable.ElemType, true
			}
			importCount++
		}
	}
	i := idx - importCount
	if int(i) >= len(mod.TableSection) {
		return 0, false
	}
	return mod.TableSection[i].ElemType, true
}

func (fc *funcCompiler) handleTableGet(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	kind, ok := tableElemType(fc.mod, idx)
	if !ok {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad table index"))
	}
	e, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.pass == 1 {
		fc.values.push(kind)
		return nil
	}
	dst := fc.resultDest(kind)
	fc.buf.AppendFixed(RecordTableGet, wasm.OpcodeTableGet, idx, e.CurrentOffset, noOffset, dst)
	return nil
}

func (fc *funcCompiler) handleTableSet(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	kind, ok := tableElemType(fc.mod, idx)
	if !ok {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad table index"))
	}
	val, err := fc.values.popExpect(kind)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	idxE, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.emit() {
		fc.buf.AppendFixed(RecordTableSet, wasm.OpcodeTableSet, idx, idxE.CurrentOffset, val.CurrentOffset, noOffset)
	}
	return nil
}

func (fc *funcCompiler) handleRefNull(pos int) error {
	fc.clearPendingEqz()
	b, err := fc.cur.readByte()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	kind := wasm.ValueType(b)
	if fc.pass == 1 {
		fc.values.push(kind)
		return nil
	}
	dst := fc.resultDest(kind)
	fc.buf.AppendFixed(RecordRefNull, wasm.OpcodeRefNull, noOffset, noOffset, noOffset, dst)
	return nil
}

func (fc *funcCompiler) handleRefFunc(pos int) error {
	fc.clearPendingEqz()
	idx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeFuncRef)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeFuncRef)
	fc.buf.AppendFixed(RecordRefFunc, wasm.OpcodeRefFunc, idx, noOffset, noOffset, dst)
	return nil
}

// ---- select --------------------------------------------------------------

func (fc *funcCompiler) handleSelect(pos int, declaredKind *wasm.ValueType) error {
	fc.clearPendingEqz()
	cond, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	v2, err := fc.values.pop()
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	v1, err := fc.values.pop()
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	kind := v1.Kind
	if declaredKind != nil {
		kind = *declaredKind
	}
	if fc.pass == 1 {
		fc.values.push(kind)
		return nil
	}
	dst := fc.resultDest(kind)
	fc.buf.AppendFixed(RecordSelect, wasm.OpcodeSelect, cond.CurrentOffset, v1.CurrentOffset, v2.CurrentOffset, dst)
	return nil
}

func (fc *funcCompiler) handleSelectTyped(pos int) error {
	n, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	var kind wasm.ValueType
	for i := uint32(0); i < n; i++ {
		b, err := fc.cur.readByte()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		kind = wasm.ValueType(b)
	}
	return fc.handleSelect(pos, &kind)
}

// ---- memory --------------------------------------------------------------

func isLoadOpcode(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Load32U
}

func isStoreOpcode(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Store && op <= wasm.OpcodeI64Store32
}

func loadResultKind(op wasm.Opcode) wasm.ValueType {
	switch op {
	case wasm.OpcodeI32Load, wasm.OpcodeI32Load8S, wasm.OpcodeI32Load8U, wasm.OpcodeI32Load16S, wasm.OpcodeI32Load16U:
		return wasm.ValueTypeI32
	case wasm.OpcodeI64Load, wasm.OpcodeI64Load8S, wasm.OpcodeI64Load8U, wasm.OpcodeI64Load16S, wasm.OpcodeI64Load16U,
		wasm.OpcodeI64Load32S, wasm.OpcodeI64Load32U:
		return wasm.ValueTypeI64
	case wasm.OpcodeF32Load:
		return wasm.ValueTypeF32
	case wasm.OpcodeF64Load:
		return wasm.ValueTypeF64
	}
	return wasm.ValueTypeI32
}

func storeValueKind(op wasm.Opcode) wasm.ValueType {
	switch op {
	case wasm.OpcodeI32Store, wasm.OpcodeI32Store8, wasm.OpcodeI32Store16:
		return wasm.ValueTypeI32
	case wasm.OpcodeI64Store, wasm.OpcodeI64Store8, wasm.OpcodeI64Store16, wasm.OpcodeI64Store32:
		return wasm.ValueTypeI64
	case wasm.OpcodeF32Store:
		return wasm.ValueTypeF32
	case wasm.OpcodeF64Store:
		return wasm.ValueTypeF64
	}
	return wasm.ValueTypeI32
}

func (fc *funcCompiler) handleLoad(pos int, op wasm.Opcode) error {
	fc.clearPendingEqz()
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
	kind := loadResultKind(op)
	if fc.pass == 1 {
		fc.values.push(kind)
		return nil
	}
	dst := fc.resultDest(kind)
	_ = align
	fc.buf.AppendFixed(RecordLoad, op, addr.CurrentOffset, align, offset, dst)
	return nil
}

func (fc *funcCompiler) handleStore(pos int, op wasm.Opcode) error {
	fc.clearPendingEqz()
	align, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	offset, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	val, err := fc.values.popExpect(storeValueKind(op))
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	addr, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.emit() {
		fc.buf.AppendFixed(RecordStore, op, addr.CurrentOffset, val.CurrentOffset, align, offset)
	}
	return nil
}

func (fc *funcCompiler) handleMemorySize(pos int) error {
	fc.clearPendingEqz()
	memIdx, err := fc.cur.readByte()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeI32)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeI32)
	fc.buf.AppendFixed(RecordMemorySize, wasm.OpcodeMemorySize, uint32(memIdx), noOffset, noOffset, dst)
	return nil
}

func (fc *funcCompiler) handleMemoryGrow(pos int) error {
	fc.clearPendingEqz()
	memIdx, err := fc.cur.readByte()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	delta, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeI32)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeI32)
	fc.buf.AppendFixed(RecordMemoryGrow, wasm.OpcodeMemoryGrow, uint32(memIdx), delta.CurrentOffset, noOffset, dst)
	return nil
}

// ---- generic numeric ops via the opcode table -----------------------------

// handleGenericUnary handles an opcode whose contract the opcode table
// already knows (used directly by ref.is_null, which is not in a contiguous
// numeric range but still has a fixed unary(T)->i32 contract).
func (fc *funcCompiler) handleGenericUnary(pos int, op wasm.Opcode) error {
	info, ok := lookupOpcode(op)
	if !ok {
		return newUnsupportedOpcodeError(fc.funcIdx, pos, op)
	}
	return fc.handleTableOp(pos, op, info)
}

func (fc *funcCompiler) handleTableOp(pos int, op wasm.Opcode, info operandInfo) error {
	if op == wasm.OpcodeI32Eqz {
		return fc.handleEqz(pos, op, info)
	}
	fc.clearPendingEqz()

	src := [3]uint32{noOffset, noOffset, noOffset}
	for i := info.NumOperands - 1; i >= 0; i-- {
		e, err := fc.values.popExpect(info.Operands[i])
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		src[i] = e.CurrentOffset
	}
	if fc.pass == 1 {
		if info.HasResult {
			fc.values.push(info.Result)
		}
		return nil
	}
	recOp := RecordUnary
	if info.NumOperands == 2 {
		recOp = RecordBinary
	}
	var dst uint32 = noOffset
	if info.HasResult {
		dst = fc.resultDest(info.Result)
	}
	fc.buf.AppendFixed(recOp, op, src[0], src[1], src[2], dst)
	return nil
}

// handleEqz special-cases i32.eqz so the emitted record and its destination
// offset can be recognized and fused away by a following br_if/if.
func (fc *funcCompiler) handleEqz(pos int, op wasm.Opcode, info operandInfo) error {
	e, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	if fc.pass == 1 {
		fc.values.push(wasm.ValueTypeI32)
		return nil
	}
	dst := fc.resultDest(wasm.ValueTypeI32)
	recPos := fc.buf.AppendFixed(RecordUnary, op, e.CurrentOffset, noOffset, noOffset, dst)
	fc.pendingEqz = &pendingEqzInfo{recordPos: recPos, srcOffset: e.CurrentOffset, resultOff: dst}
	return nil
}

// ---- blocks --------------------------------------------------------------

func (fc *funcCompiler) handleBlockStart(op wasm.Opcode, pos int) error {
	bt, err := fc.cur.readBlockType()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	kind := blockKindBlock
	switch op {
	case wasm.OpcodeLoop:
		kind = blockKindLoop
	case wasm.OpcodeIf:
		kind = blockKindIf
	case wasm.OpcodeTry:
		kind = blockKindTry
	}

	// The if case defers clearing pendingEqz until after tryFuseEqz gets a
	// chance to fuse the condition below (tryFuseEqz clears it either way);
	// every other kind has no fusion opportunity here, so it clears now,
	// the same split handleBr uses between its conditional and unconditional
	// arms.
	var cond stackEntry
	if kind == blockKindIf {
		cond, err = fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
	} else {
		fc.clearPendingEqz()
	}

	blk := &blockRecord{
		Kind:        kind,
		ResultType:  bt,
		EntryPos:    fc.buf.Pos(),
		SourceStart: pos,
		Snapshot:    fc.values.snapshot(),
		SavedSize:   fc.values.size,
	}

	if kind == blockKindLoop && fc.pass == 1 {
		fc.collector.onLoopStart(pos)
	}

	if kind == blockKindIf && fc.emit() {
		src, ok := fc.tryFuseEqz(cond)
		var jpos int
		if ok {
			jpos = fc.buf.AppendFixed(RecordJumpIfFalse, wasm.OpcodeIf, src, noOffset, noOffset, noOffset)
		} else {
			jpos = fc.buf.AppendFixed(RecordJumpIfFalse, wasm.OpcodeIf, cond.CurrentOffset, noOffset, noOffset, noOffset)
		}
		blk.IfJumpFixupPos = jpos
		blk.HasIfJumpFixup = true
		blk.EntryPos = fc.buf.Pos()
	} else if kind == blockKindTry {
		blk.TryRangeStart = fc.buf.Pos()
	}

	fc.blocks.push(blk)
	return nil
}

// tryFuseEqz reports whether cond's value is the still-pending result of an
// i32.eqz emitted with nothing else emitted since, and if so truncates that
// record and returns its original (pre-negation) operand.
func (fc *funcCompiler) tryFuseEqz(cond stackEntry) (uint32, bool) {
	if fc.pendingEqz == nil || fc.pendingEqz.resultOff != cond.CurrentOffset {
		fc.pendingEqz = nil
		return 0, false
	}
	if fc.pendingEqz.recordPos+recordHeaderSize != fc.buf.Pos() {
		fc.pendingEqz = nil
		return 0, false
	}
	src := fc.pendingEqz.srcOffset
	fc.buf.Truncate(fc.pendingEqz.recordPos)
	fc.pendingEqz = nil
	return src, true
}

func (fc *funcCompiler) handleElse(pos int) error {
	fc.clearPendingEqz()
	blk, err := fc.blocks.top()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if blk.Kind != blockKindIf {
		return newStructuralError(fc.funcIdx, pos, ErrUnbalancedBlockEnd)
	}

	results := blk.resultKinds(fc.mod.TypeSection)
	if !fc.stopped {
		fc.restoreCanonical(len(results))
	}

	if fc.emit() {
		endJump := fc.buf.AppendFixed(RecordJump, wasm.OpcodeElse, noOffset, noOffset, noOffset, noOffset)
		blk.Fixups = append(blk.Fixups, fixup{Kind: fixupJump, Pos: endJump})
		if blk.HasIfJumpFixup {
			fc.buf.SetOperand(blk.IfJumpFixupPos, 3, uint32(fc.buf.Pos()))
			blk.HasIfJumpFixup = false
		}
	}

	fc.values.restore(blk.Snapshot)
	blk.ShouldRestoreStackAtEnd = false
	blk.ByteCodeStopped = false
	fc.stopped = false
	return nil
}

func (fc *funcCompiler) handleEnd(pos int) error {
	fc.clearPendingEqz()
	blk, err := fc.blocks.pop()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	if blk.Kind == blockKindLoop && fc.pass == 1 {
		fc.collector.onLoopEnd(blk.SourceStart, pos)
	}

	results := blk.resultKinds(fc.mod.TypeSection)
	if !fc.stopped {
		fc.restoreCanonical(len(results))
	}

	endPos := fc.buf.Pos()
	if fc.emit() {
		if blk.Kind == blockKindIf && blk.HasIfJumpFixup {
			fc.buf.SetOperand(blk.IfJumpFixupPos, 3, uint32(endPos))
		}
		fc.patchFixups(blk.Fixups, endPos)
		var tail []uint32
		if !fc.stopped {
			for i := 0; i < len(results); i++ {
				e, _ := fc.values.peekN(len(results) - 1 - i)
				tail = append(tail, e.CurrentOffset)
			}
		}
		fc.buf.AppendWithTail(RecordEnd, wasm.OpcodeEnd, noOffset, noOffset, noOffset, noOffset, tail)
		if blk.Kind == blockKindTry && len(blk.CatchRecords) > 0 {
			fc.catches = append(fc.catches, blk.CatchRecords...)
		}
	}

	if fc.stopped {
		fc.values.restore(blk.Snapshot)
		for _, k := range results {
			fc.values.push(k)
		}
	}
	fc.stopped = false
	return nil
}

// restoreCanonical moves the top n stack entries back to their canonical
// offsets (peephole (d)), so every path reaching a block boundary agrees on
// where the block's results live.
func (fc *funcCompiler) restoreCanonical(n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		e, err := fc.values.peekN(i)
		if err != nil {
			return
		}
		if e.CurrentOffset != e.CanonicalOffset {
			if fc.emit() {
				fc.emitMove(e.Kind, e.CurrentOffset, e.CanonicalOffset)
			}
			idx := len(fc.values.entries) - 1 - i
			fc.values.entries[idx].CurrentOffset = e.CanonicalOffset
			fc.values.entries[idx].HasLocalIndex = false
		}
	}
}

func (fc *funcCompiler) patchFixups(fixups []fixup, target int) {
	for _, f := range fixups {
		switch f.Kind {
		case fixupJump, fixupJumpCond:
			fc.buf.SetOperand(f.Pos, 3, uint32(target))
		case fixupBrTableEntry:
			fc.buf.SetTailEntry(f.Pos, f.TailIndex, uint32(target))
		}
	}
}

// ---- exception handling ---------------------------------------------------

func (fc *funcCompiler) handleCatch(pos int, isCatchAll bool) error {
	fc.clearPendingEqz()
	var tagIdx wasm.Index
	var err error
	if !isCatchAll {
		tagIdx, err = fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
	}
	blk, err := fc.blocks.top()
	if err != nil || blk.Kind != blockKindTry {
		return newStructuralError(fc.funcIdx, pos, ErrUnbalancedBlockEnd)
	}

	results := blk.resultKinds(fc.mod.TypeSection)
	if !fc.stopped {
		fc.restoreCanonical(len(results))
	}
	if fc.emit() {
		skip := fc.buf.AppendFixed(RecordJump, wasm.OpcodeCatch, noOffset, noOffset, noOffset, noOffset)
		blk.Fixups = append(blk.Fixups, fixup{Kind: fixupJump, Pos: skip})
	}

	fc.values.restore(blk.Snapshot)
	catchPos := fc.buf.Pos()
	blk.CatchRecords = append(blk.CatchRecords, catchRecord{
		TagIndex: tagIdx, IsCatchAll: isCatchAll, CatchPos: catchPos, StackToDrop: fc.values.size,
	})

	if !isCatchAll && int(tagIdx) < len(fc.mod.TagSection) {
		sig := fc.mod.TypeSection[fc.mod.TagSection[tagIdx].Type]
		for _, p := range sig.Params {
			fc.values.push(p)
		}
	}
	fc.stopped = false
	return nil
}

func (fc *funcCompiler) handleThrow(pos int) error {
	tagIdx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	var params []wasm.ValueType
	if int(tagIdx) < len(fc.mod.TagSection) {
		params = fc.mod.TypeSection[fc.mod.TagSection[tagIdx].Type].Params
	}
	offsets := make([]uint32, len(params))
	for i := len(params) - 1; i >= 0; i-- {
		e, err := fc.values.popExpect(params[i])
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		offsets[i] = e.CurrentOffset
	}
	if fc.emit() {
		tail := make([]uint32, len(offsets))
		copy(tail, offsets)
		fc.buf.AppendWithTail(RecordThrow, wasm.OpcodeThrow, tagIdx, noOffset, noOffset, noOffset, tail)
	}
	fc.stopped = true
	return nil
}

func (fc *funcCompiler) handleRethrow(pos int) error {
	depth, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if fc.emit() {
		fc.buf.AppendFixed(RecordRethrow, wasm.OpcodeRethrow, depth, noOffset, noOffset, noOffset)
	}
	fc.stopped = true
	return nil
}

func (fc *funcCompiler) handleDelegate(pos int) error {
	depth, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	blk, err := fc.blocks.pop()
	if err != nil || blk.Kind != blockKindTry {
		return newStructuralError(fc.funcIdx, pos, ErrUnbalancedBlockEnd)
	}
	results := blk.resultKinds(fc.mod.TypeSection)
	if !fc.stopped {
		fc.restoreCanonical(len(results))
	}
	if fc.emit() {
		endPos := fc.buf.Pos()
		fc.patchFixups(blk.Fixups, endPos)
		fc.buf.AppendWithTail(RecordEnd, wasm.OpcodeDelegate, depth, noOffset, noOffset, noOffset, nil)
	}
	fc.stopped = false
	return nil
}

// ---- branches --------------------------------------------------------------

func (fc *funcCompiler) handleBr(pos int, conditional bool) error {
	depth, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	target, err := fc.blocks.at(depth)
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}

	if target.Kind == blockKindLoop && fc.pass == 1 {
		fc.collector.onLoopBackEdge(target.SourceStart, pos)
	}

	jumpOp := RecordJumpIfTrue
	var condSrc uint32
	if conditional {
		cond, err := fc.values.popExpect(wasm.ValueTypeI32)
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		condSrc = cond.CurrentOffset
		if fc.emit() {
			if src, ok := fc.tryFuseEqz(cond); ok {
				jumpOp, condSrc = RecordJumpIfFalse, src
			}
		}
	} else {
		fc.clearPendingEqz()
	}

	var arity []wasm.ValueType
	if target.Kind == blockKindLoop {
		arity = target.paramKinds(fc.mod.TypeSection)
	} else {
		arity = target.resultKinds(fc.mod.TypeSection)
	}
	fc.restoreCanonical(len(arity))

	if fc.emit() {
		if conditional {
			if target.Kind == blockKindLoop {
				fc.buf.AppendFixed(jumpOp, wasm.OpcodeBrIf, condSrc, noOffset, noOffset, uint32(target.EntryPos))
			} else {
				jpos := fc.buf.AppendFixed(jumpOp, wasm.OpcodeBrIf, condSrc, noOffset, noOffset, noOffset)
				target.Fixups = append(target.Fixups, fixup{Kind: fixupJumpCond, Pos: jpos})
			}
		} else {
			if target.Kind == blockKindLoop {
				fc.buf.AppendFixed(RecordJump, wasm.OpcodeBr, noOffset, noOffset, noOffset, uint32(target.EntryPos))
			} else {
				jpos := fc.buf.AppendFixed(RecordJump, wasm.OpcodeBr, noOffset, noOffset, noOffset, noOffset)
				target.Fixups = append(target.Fixups, fixup{Kind: fixupJump, Pos: jpos})
			}
		}
	}

	fc.blocks.markSeenBranch()
	if fc.pass == 1 {
		fc.collector.onBranch()
	}
	if !conditional {
		fc.stopped = true
	}
	return nil
}

func (fc *funcCompiler) handleBrTable(pos int) error {
	fc.clearPendingEqz()
	n, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	depths := make([]uint32, n+1)
	for i := uint32(0); i < n; i++ {
		d, err := fc.cur.readU32()
		if err != nil {
			return newStructuralError(fc.funcIdx, pos, err)
		}
		depths[i] = d
	}
	defaultDepth, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	depths[n] = defaultDepth

	idxE, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}

	defaultTarget, err := fc.blocks.at(defaultDepth)
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	arity := defaultTarget.resultKinds(fc.mod.TypeSection)
	if defaultTarget.Kind == blockKindLoop {
		arity = defaultTarget.paramKinds(fc.mod.TypeSection)
	}
	fc.restoreCanonical(len(arity))

	if fc.pass == 1 {
		for _, d := range depths {
			target, err := fc.blocks.at(d)
			if err != nil {
				return newStructuralError(fc.funcIdx, pos, err)
			}
			if target.Kind == blockKindLoop {
				fc.collector.onLoopBackEdge(target.SourceStart, pos)
			}
		}
	}

	if fc.emit() {
		tail := make([]uint32, len(depths))
		recPos := fc.buf.AppendWithTail(RecordBrTable, wasm.OpcodeBrTable, idxE.CurrentOffset, noOffset, noOffset, noOffset, tail)
		for i, d := range depths {
			target, err := fc.blocks.at(d)
			if err != nil {
				return newStructuralError(fc.funcIdx, pos, err)
			}
			if target.Kind == blockKindLoop {
				fc.buf.SetTailEntry(recPos, i, uint32(target.EntryPos))
			} else {
				target.Fixups = append(target.Fixups, fixup{Kind: fixupBrTableEntry, Pos: recPos, TailIndex: i})
			}
		}
	}

	fc.blocks.markSeenBranch()
	if fc.pass == 1 {
		fc.collector.onBranch()
	}
	fc.stopped = true
	return nil
}

func (fc *funcCompiler) handleReturn(pos int) error {
	fc.clearPendingEqz()
	results := fc.sig.Results
	offsets := make([]uint32, len(results))
	for i := len(results) - 1; i >= 0; i-- {
		e, err := fc.values.popExpect(results[i])
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		offsets[i] = e.CurrentOffset
	}
	if fc.emit() {
		tail := make([]uint32, len(offsets))
		copy(tail, offsets)
		fc.buf.AppendWithTail(RecordEnd, wasm.OpcodeReturn, noOffset, noOffset, noOffset, noOffset, tail)
	}
	fc.stopped = true
	return nil
}

// ---- calls -----------------------------------------------------------------

func (fc *funcCompiler) handleCall(pos int) error {
	fc.clearPendingEqz()
	callee, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	sig := fc.mod.TypeOfFunction(callee)
	if sig == nil {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad call target"))
	}
	return fc.emitCallLike(pos, RecordCall, callee, 0, sig)
}

func (fc *funcCompiler) handleCallIndirect(pos int) error {
	fc.clearPendingEqz()
	typeIdx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	tableIdx, err := fc.cur.readU32()
	if err != nil {
		return newStructuralError(fc.funcIdx, pos, err)
	}
	if int(typeIdx) >= len(fc.mod.TypeSection) {
		return newStructuralError(fc.funcIdx, pos, fmt.Errorf("bad call_indirect type index"))
	}
	sig := fc.mod.TypeSection[typeIdx]

	indirectIdx, err := fc.values.popExpect(wasm.ValueTypeI32)
	if lerr := fc.liftUnderflow(pos, err); lerr != nil {
		return lerr
	}
	return fc.emitCallLikeIndirect(pos, tableIdx, indirectIdx.CurrentOffset, sig)
}

func (fc *funcCompiler) emitCallLike(pos int, recOp RecordOp, callee wasm.Index, tableIdx wasm.Index, sig *wasm.FunctionType) error {
	paramOff := make([]uint32, len(sig.Params))
	for i := len(sig.Params) - 1; i >= 0; i-- {
		e, err := fc.values.popExpect(sig.Params[i])
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		paramOff[i] = e.CurrentOffset
	}

	if fc.pass == 1 {
		for _, r := range sig.Results {
			fc.values.push(r)
		}
		return nil
	}

	resultOff := make([]uint32, len(sig.Results))
	for i, r := range sig.Results {
		resultOff[i] = fc.resultDest(r)
	}

	tail := make([]uint32, 0, len(paramOff)+len(resultOff))
	tail = append(tail, paramOff...)
	tail = append(tail, resultOff...)
	fc.buf.AppendWithTail(recOp, wasm.OpcodeCall, callee, uint32(len(sig.Params)), noOffset, noOffset, tail)
	return nil
}

func (fc *funcCompiler) emitCallLikeIndirect(pos int, tableIdx wasm.Index, indirectOffset uint32, sig *wasm.FunctionType) error {
	paramOff := make([]uint32, len(sig.Params))
	for i := len(sig.Params) - 1; i >= 0; i-- {
		e, err := fc.values.popExpect(sig.Params[i])
		if lerr := fc.liftUnderflow(pos, err); lerr != nil {
			return lerr
		}
		paramOff[i] = e.CurrentOffset
	}

	if fc.pass == 1 {
		for _, r := range sig.Results {
			fc.values.push(r)
		}
		return nil
	}

	resultOff := make([]uint32, len(sig.Results))
	for i, r := range sig.Results {
		resultOff[i] = fc.resultDest(r)
	}

	tail := make([]uint32, 0, len(paramOff)+len(resultOff))
	tail = append(tail, paramOff...)
	tail = append(tail, resultOff...)
	fc.buf.AppendWithTail(RecordCallIndirect, wasm.OpcodeCallIndirect, tableIdx, uint32(len(sig.Params)), indirectOffset, noOffset, tail)
	return nil
}

// ---- result placement: peephole (a), destination forwarding --------------

// resultDest decides where an instruction about to push `kind` should write
// its result: directly into a local's home slot when the very next
// instruction is `local.set` for that local (eliding the push+pop+move),
// or a fresh stack slot otherwise.
func (fc *funcCompiler) resultDest(kind wasm.ValueType) uint32 {
	if idx, byteLen, ok := fc.cur.tryLookaheadLocalSet(); ok && fc.localKind[idx] == kind {
		fc.materializeAliases(idx)
		fc.cur.pos += byteLen
		return fc.localHome[idx]
	}
	return fc.values.push(kind)
}

func (fc *funcCompiler) emitMove(kind wasm.ValueType, from, to uint32) {
	op := RecordMove32
	switch wasm.ValueTypeSize(kind) {
	case 8:
		op = RecordMove64
	case 16:
		op = RecordMove128
	}
	fc.buf.AppendFixed(op, 0, from, noOffset, noOffset, to)
}
