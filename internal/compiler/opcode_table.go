package compiler

import wasm "github.com/wazc-project/wazc/internal/wasm"

// operandInfo is the Opcode Table's per-opcode metadata: the shadow-stack
// kinds an opcode pops (in push order, i.e. Operands[0] was pushed first)
// and the kind it pushes, if any. Control-flow, variable-access, call and
// memory opcodes are handled directly by the Emitter since their arity or
// operand kinds depend on an immediate (local index, block type, alignment)
// rather than the opcode byte alone; this table only covers opcodes whose
// stack contract is fixed by the opcode byte.
type operandInfo struct {
	Operands [3]wasm.ValueType
	NumOperands int
	Result      wasm.ValueType
	HasResult   bool
}

func (o operandInfo) operandWidth() int {
	w := 0
	for i := 0; i < o.NumOperands; i++ {
		w += wasm.ValueTypeSize(o.Operands[i])
	}
	return w
}

func (o operandInfo) resultWidth() int {
	if !o.HasResult {
		return 0
	}
	return wasm.ValueTypeSize(o.Result)
}

func unary(operand, result wasm.ValueType) operandInfo {
	return operandInfo{Operands: [3]wasm.ValueType{operand}, NumOperands: 1, Result: result, HasResult: true}
}

func binary(operand, result wasm.ValueType) operandInfo {
	return operandInfo{Operands: [3]wasm.ValueType{operand, operand}, NumOperands: 2, Result: result, HasResult: true}
}

func compare(operand wasm.ValueType) operandInfo {
	return binary(operand, wasm.ValueTypeI32)
}

func convert(from, to wasm.ValueType) operandInfo {
	return unary(from, to)
}

// opcodeTable is populated in init from contiguous opcode ranges: the
// WebAssembly binary format groups comparison, arithmetic and conversion
// opcodes into contiguous byte ranges by design (see instruction.go), so a
// handful of loops cover the ~120 numeric opcodes without one entry per
// opcode.
var opcodeTable = map[wasm.Opcode]operandInfo{}

func init() {
	// i32 test/relop: eqz is a test (i32 -> i32); eq..ge_u are compares.
	opcodeTable[wasm.OpcodeI32Eqz] = unary(wasm.ValueTypeI32, wasm.ValueTypeI32)
	for op := wasm.OpcodeI32Eq; op <= wasm.OpcodeI32GeU; op++ {
		opcodeTable[op] = compare(wasm.ValueTypeI32)
	}
	opcodeTable[wasm.OpcodeI64Eqz] = unary(wasm.ValueTypeI64, wasm.ValueTypeI32)
	for op := wasm.OpcodeI64Eq; op <= wasm.OpcodeI64GeU; op++ {
		opcodeTable[op] = compare(wasm.ValueTypeI64)
	}
	for op := wasm.OpcodeF32Eq; op <= wasm.OpcodeF32Ge; op++ {
		opcodeTable[op] = compare(wasm.ValueTypeF32)
	}
	for op := wasm.OpcodeF64Eq; op <= wasm.OpcodeF64Ge; op++ {
		opcodeTable[op] = compare(wasm.ValueTypeF64)
	}

	// i32 unary (clz/ctz/popcnt) then binary arithmetic/bitwise/shift.
	for op := wasm.OpcodeI32Clz; op <= wasm.OpcodeI32Popcnt; op++ {
		opcodeTable[op] = unary(wasm.ValueTypeI32, wasm.ValueTypeI32)
	}
	for op := wasm.OpcodeI32Add; op <= wasm.OpcodeI32Rotr; op++ {
		opcodeTable[op] = binary(wasm.ValueTypeI32, wasm.ValueTypeI32)
	}
	for op := wasm.OpcodeI64Clz; op <= wasm.OpcodeI64Popcnt; op++ {
		opcodeTable[op] = unary(wasm.ValueTypeI64, wasm.ValueTypeI64)
	}
	for op := wasm.OpcodeI64Add; op <= wasm.OpcodeI64Rotr; op++ {
		opcodeTable[op] = binary(wasm.ValueTypeI64, wasm.ValueTypeI64)
	}

	// f32/f64 unary then binary.
	for op := wasm.OpcodeF32Abs; op <= wasm.OpcodeF32Sqrt; op++ {
		opcodeTable[op] = unary(wasm.ValueTypeF32, wasm.ValueTypeF32)
	}
	for op := wasm.OpcodeF32Add; op <= wasm.OpcodeF32Copysign; op++ {
		opcodeTable[op] = binary(wasm.ValueTypeF32, wasm.ValueTypeF32)
	}
	for op := wasm.OpcodeF64Abs; op <= wasm.OpcodeF64Sqrt; op++ {
		opcodeTable[op] = unary(wasm.ValueTypeF64, wasm.ValueTypeF64)
	}
	for op := wasm.OpcodeF64Add; op <= wasm.OpcodeF64Copysign; op++ {
		opcodeTable[op] = binary(wasm.ValueTypeF64, wasm.ValueTypeF64)
	}

	// Conversions: each is explicit since source/destination kinds vary
	// independently of opcode order.
	opcodeTable[wasm.OpcodeI32WrapI64] = convert(wasm.ValueTypeI64, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI32TruncF32S] = convert(wasm.ValueTypeF32, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI32TruncF32U] = convert(wasm.ValueTypeF32, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI32TruncF64S] = convert(wasm.ValueTypeF64, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI32TruncF64U] = convert(wasm.ValueTypeF64, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI64ExtendI32S] = convert(wasm.ValueTypeI32, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64ExtendI32U] = convert(wasm.ValueTypeI32, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64TruncF32S] = convert(wasm.ValueTypeF32, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64TruncF32U] = convert(wasm.ValueTypeF32, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64TruncF64S] = convert(wasm.ValueTypeF64, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64TruncF64U] = convert(wasm.ValueTypeF64, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeF32ConvertI32S] = convert(wasm.ValueTypeI32, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF32ConvertI32U] = convert(wasm.ValueTypeI32, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF32ConvertI64S] = convert(wasm.ValueTypeI64, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF32ConvertI64U] = convert(wasm.ValueTypeI64, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF32DemoteF64] = convert(wasm.ValueTypeF64, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF64ConvertI32S] = convert(wasm.ValueTypeI32, wasm.ValueTypeF64)
	opcodeTable[wasm.OpcodeF64ConvertI32U] = convert(wasm.ValueTypeI32, wasm.ValueTypeF64)
	opcodeTable[wasm.OpcodeF64ConvertI64S] = convert(wasm.ValueTypeI64, wasm.ValueTypeF64)
	opcodeTable[wasm.OpcodeF64ConvertI64U] = convert(wasm.ValueTypeI64, wasm.ValueTypeF64)
	opcodeTable[wasm.OpcodeF64PromoteF32] = convert(wasm.ValueTypeF32, wasm.ValueTypeF64)
	opcodeTable[wasm.OpcodeI32ReinterpretF32] = convert(wasm.ValueTypeF32, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI64ReinterpretF64] = convert(wasm.ValueTypeF64, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeF32ReinterpretI32] = convert(wasm.ValueTypeI32, wasm.ValueTypeF32)
	opcodeTable[wasm.OpcodeF64ReinterpretI64] = convert(wasm.ValueTypeI64, wasm.ValueTypeF64)

	// Sign-extension proposal: same-kind narrow-then-sign-extend.
	opcodeTable[wasm.OpcodeI32Extend8S] = unary(wasm.ValueTypeI32, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI32Extend16S] = unary(wasm.ValueTypeI32, wasm.ValueTypeI32)
	opcodeTable[wasm.OpcodeI64Extend8S] = unary(wasm.ValueTypeI64, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64Extend16S] = unary(wasm.ValueTypeI64, wasm.ValueTypeI64)
	opcodeTable[wasm.OpcodeI64Extend32S] = unary(wasm.ValueTypeI64, wasm.ValueTypeI64)

	// Reference-types: ref.is_null is a test; ref.null/ref.func are handled
	// by the Emitter directly since they carry an immediate, not a popped
	// operand.
	opcodeTable[wasm.OpcodeRefIsNull] = unary(wasm.ValueTypeExternRef, wasm.ValueTypeI32)
}

// lookupOpcode returns the fixed operand contract for opcode, if this table knows
// it independent of any immediate.
func lookupOpcode(op wasm.Opcode) (operandInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}
