package binary

import (
	"fmt"
	"io"

	"github.com/wazc-project/wazc/internal/leb128"
	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// RefNullSentinel is stored in ElementSegment.Init in place of a function
// index when the bulk-memory expression form initializes the slot with
// ref.null instead of ref.func.
const RefNullSentinel = ^wasm.Index(0)

// decodeElementSection decodes the bulk-memory proposal's generalized
// element segment encoding (flag bytes 0 through 7), always normalizing
// Init down to the referenced function indices so that later passes don't
// need to re-derive them from a constant expression.
func decodeElementSection(r io.Reader) ([]*wasm.ElementSegment, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.ElementSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeElementSegment(r); err != nil {
			return nil, fmt.Errorf("read %d-th element: %w", i, err)
		}
	}
	return ret, nil
}

func decodeElementSegment(r io.Reader) (*wasm.ElementSegment, error) {
	flag, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read flag: %w", err)
	}

	seg := &wasm.ElementSegment{}
	switch flag {
	case 0:
		seg.Mode = wasm.ElementSegmentModeActive
		if seg.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		if seg.Init, err = decodeVecFuncIndex(r); err != nil {
			return nil, err
		}
	case 1:
		seg.Mode = wasm.ElementSegmentModePassive
		if err = skipElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = decodeVecFuncIndex(r); err != nil {
			return nil, err
		}
	case 2:
		seg.Mode = wasm.ElementSegmentModeActive
		if seg.TableIndex, _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("read table index: %w", err)
		}
		if seg.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		if err = skipElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = decodeVecFuncIndex(r); err != nil {
			return nil, err
		}
	case 3:
		seg.Mode = wasm.ElementSegmentModeDeclarative
		if err = skipElemKind(r); err != nil {
			return nil, err
		}
		if seg.Init, err = decodeVecFuncIndex(r); err != nil {
			return nil, err
		}
	case 4:
		seg.Mode = wasm.ElementSegmentModeActive
		if seg.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		if seg.Init, err = decodeVecElementExpr(r); err != nil {
			return nil, err
		}
	case 5:
		seg.Mode = wasm.ElementSegmentModePassive
		if _, err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read reference type: %w", err)
		}
		if seg.Init, err = decodeVecElementExpr(r); err != nil {
			return nil, err
		}
	case 6:
		seg.Mode = wasm.ElementSegmentModeActive
		if seg.TableIndex, _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("read table index: %w", err)
		}
		if seg.OffsetExpr, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
		if _, err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read reference type: %w", err)
		}
		if seg.Init, err = decodeVecElementExpr(r); err != nil {
			return nil, err
		}
	case 7:
		seg.Mode = wasm.ElementSegmentModeDeclarative
		if _, err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read reference type: %w", err)
		}
		if seg.Init, err = decodeVecElementExpr(r); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid element segment flag: %d", flag)
	}
	return seg, nil
}

// skipElemKind reads the single "elemkind" byte (always 0x00, meaning
// funcref) present in the funcidx-vector encodings.
func skipElemKind(r io.Reader) error {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("read elemkind: %w", err)
	}
	if b[0] != 0x00 {
		return fmt.Errorf("invalid elemkind: %#x", b[0])
	}
	return nil
}

func decodeVecFuncIndex(r io.Reader) ([]uint32, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]uint32, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("read %d-th function index: %w", i, err)
		}
	}
	return ret, nil
}

// decodeVecElementExpr decodes a vector of constant expressions, each of
// which is either ref.func (carries a function index) or ref.null (carries
// RefNullSentinel). Any other constant expression opcode is rejected since
// this compiler's element initialization only needs to know which function
// table.init/call_indirect ultimately dispatch to.
func decodeVecElementExpr(r io.Reader) ([]uint32, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]uint32, vs)
	for i := uint32(0); i < vs; i++ {
		expr, err := decodeConstantExpression(r)
		if err != nil {
			return nil, fmt.Errorf("read %d-th element expression: %w", i, err)
		}
		switch expr.Opcode {
		case wasm.OpcodeRefFunc:
			idx, _, err := leb128.LoadUint32(expr.Data)
			if err != nil {
				return nil, fmt.Errorf("%d-th element expression: %w", i, err)
			}
			ret[i] = idx
		case wasm.OpcodeRefNull:
			ret[i] = RefNullSentinel
		default:
			return nil, fmt.Errorf("%d-th element expression: unsupported opcode %s", i, wasm.InstructionName(expr.Opcode))
		}
	}
	return ret, nil
}
