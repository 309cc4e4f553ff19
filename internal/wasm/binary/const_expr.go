package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// decodeConstantExpression reads a constant expression used to initialize a
// Global, an ElementSegment offset, or a DataSegment offset. The opcode is
// retained alongside its raw operand bytes; the compiler (and, for element
// segments referencing an imported global, the host) decode the operand
// lazily since constant expressions are never branched into.
func decodeConstantExpression(r io.Reader) (*wasm.ConstantExpression, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read opcode: %w", err)
	}
	opcode := b[0]

	remaining, err := constantExpressionOperand(r, opcode)
	if err != nil {
		return nil, err
	}

	end := make([]byte, 1)
	if _, err := io.ReadFull(r, end); err != nil {
		return nil, fmt.Errorf("look for end opcode: %w", err)
	}
	if end[0] != wasm.OpcodeEnd {
		return nil, fmt.Errorf("constant expression not terminated by end opcode")
	}
	return &wasm.ConstantExpression{Opcode: opcode, Data: remaining}, nil
}

func constantExpressionOperand(r io.Reader, opcode wasm.Opcode) ([]byte, error) {
	switch opcode {
	case wasm.OpcodeI32Const:
		return readLEB(r, 5)
	case wasm.OpcodeI64Const:
		return readLEB(r, 10)
	case wasm.OpcodeF32Const:
		buf := make([]byte, 4)
		_, err := io.ReadFull(r, buf)
		return buf, err
	case wasm.OpcodeF64Const:
		buf := make([]byte, 8)
		_, err := io.ReadFull(r, buf)
		return buf, err
	case wasm.OpcodeGlobalGet:
		return readLEB(r, 5)
	case wasm.OpcodeRefNull:
		buf := make([]byte, 1)
		_, err := io.ReadFull(r, buf)
		return buf, err
	case wasm.OpcodeRefFunc:
		return readLEB(r, 5)
	default:
		return nil, fmt.Errorf("%s is not a valid constant expression opcode", wasm.InstructionName(opcode))
	}
}

// readLEB reads a variable-length LEB128 operand one byte at a time, up to
// maxLen bytes, returning exactly the bytes that made up the operand.
func readLEB(r io.Reader, maxLen int) ([]byte, error) {
	buf := make([]byte, 0, maxLen)
	b := make([]byte, 1)
	for i := 0; i < maxLen; i++ {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("read leb128 operand: %w", err)
		}
		buf = append(buf, b[0])
		if b[0]&0x80 == 0 {
			return buf, nil
		}
	}
	return nil, fmt.Errorf("leb128 operand exceeds %d bytes", maxLen)
}
