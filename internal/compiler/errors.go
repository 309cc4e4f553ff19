package compiler

import (
	"errors"
	"fmt"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// Sentinel errors an emitted module can fail with. Callers distinguish these
// with errors.Is rather than string-matching; the underlying message still
// carries the offending function index or opcode for humans.
var (
	ErrStackUnderflow        = wasm.ErrStackUnderflow
	ErrStackTypeMismatch     = wasm.ErrStackTypeMismatch
	ErrUnbalancedBlockEnd    = wasm.ErrUnbalancedBlockEnd
	ErrFunctionStackTooLarge = wasm.ErrInvalidByteCodeOffset
	ErrUnsupportedOpcode     = errors.New("unsupported opcode")
)

// compileError wraps one of the sentinel errors above with the function
// index and, where relevant, the byte position within the function body
// that triggered it.
type compileError struct {
	funcIdx wasm.Index
	pos     int
	opcode  wasm.Opcode
	err     error
}

func (e *compileError) Error() string {
	if e.opcode != 0 || e.err == ErrUnsupportedOpcode {
		return fmt.Sprintf("function[%d] at offset %d (opcode %s): %s",
			e.funcIdx, e.pos, wasm.InstructionName(e.opcode), e.err)
	}
	return fmt.Sprintf("function[%d] at offset %d: %s", e.funcIdx, e.pos, e.err)
}

func (e *compileError) Unwrap() error { return e.err }

func newStructuralError(funcIdx wasm.Index, pos int, err error) error {
	return &compileError{funcIdx: funcIdx, pos: pos, err: err}
}

func newUnsupportedOpcodeError(funcIdx wasm.Index, pos int, opcode wasm.Opcode) error {
	return &compileError{funcIdx: funcIdx, pos: pos, opcode: opcode, err: ErrUnsupportedOpcode}
}

func newCapacityError(funcIdx wasm.Index) error {
	return fmt.Errorf("function[%d]: %w", funcIdx, ErrFunctionStackTooLarge)
}
