package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeTableType(r io.Reader) (*wasm.TableType, error) {
	et, err := decodeValueType(r)
	if err != nil {
		return nil, fmt.Errorf("read element type: %w", err)
	}
	if et != wasm.ValueTypeFuncRef && et != wasm.ValueTypeExternRef {
		return nil, fmt.Errorf("invalid table element type: %s", wasm.ValueTypeName(et))
	}
	lim, err := decodeLimitsType(r)
	if err != nil {
		return nil, fmt.Errorf("read limits: %w", err)
	}
	return &wasm.TableType{ElemType: et, Limit: lim}, nil
}

func decodeTableSection(r io.Reader) ([]*wasm.TableType, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.TableType, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeTableType(r); err != nil {
			return nil, fmt.Errorf("read %d-th table: %w", i, err)
		}
	}
	return ret, nil
}

func decodeMemorySection(r io.Reader) ([]*wasm.MemoryType, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.MemoryType, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeLimitsType(r); err != nil {
			return nil, fmt.Errorf("read %d-th memory: %w", i, err)
		}
	}
	return ret, nil
}
