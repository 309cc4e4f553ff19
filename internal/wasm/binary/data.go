package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// decodeDataSection decodes the bulk-memory proposal's generalized data
// segment encoding (flag bytes 0 through 2).
func decodeDataSection(r io.Reader) ([]*wasm.DataSegment, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.DataSegment, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeDataSegment(r); err != nil {
			return nil, fmt.Errorf("read %d-th data segment: %w", i, err)
		}
	}
	return ret, nil
}

func decodeDataSegment(r io.Reader) (*wasm.DataSegment, error) {
	flag, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read flag: %w", err)
	}

	seg := &wasm.DataSegment{}
	switch flag {
	case 0:
		seg.Mode = wasm.DataSegmentModeActive
		if seg.OffsetExpression, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
	case 1:
		seg.Mode = wasm.DataSegmentModePassive
	case 2:
		seg.Mode = wasm.DataSegmentModeActive
		if seg.MemoryIndex, _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("read memory index: %w", err)
		}
		if seg.OffsetExpression, err = decodeConstantExpression(r); err != nil {
			return nil, fmt.Errorf("read offset expression: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid data segment flag: %d", flag)
	}

	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of init data: %w", err)
	}
	seg.Init = make([]byte, vs)
	if _, err := io.ReadFull(r, seg.Init); err != nil {
		return nil, fmt.Errorf("read init data: %w", err)
	}
	return seg, nil
}
