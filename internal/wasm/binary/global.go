package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeGlobalType(r io.Reader) (*wasm.GlobalType, error) {
	vt, err := decodeValueType(r)
	if err != nil {
		return nil, fmt.Errorf("read value type: %w", err)
	}
	mutBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, mutBuf); err != nil {
		return nil, fmt.Errorf("read mutability: %w", err)
	}
	switch mutBuf[0] {
	case 0x00:
		return &wasm.GlobalType{ValType: vt, Mutable: false}, nil
	case 0x01:
		return &wasm.GlobalType{ValType: vt, Mutable: true}, nil
	default:
		return nil, fmt.Errorf("invalid mutability: %#x", mutBuf[0])
	}
}

func decodeGlobalSection(r io.Reader) ([]*wasm.Global, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.Global, vs)
	for i := uint32(0); i < vs; i++ {
		gt, err := decodeGlobalType(r)
		if err != nil {
			return nil, fmt.Errorf("read %d-th global type: %w", i, err)
		}
		init, err := decodeConstantExpression(r)
		if err != nil {
			return nil, fmt.Errorf("read %d-th global init expression: %w", i, err)
		}
		ret[i] = &wasm.Global{Type: gt, Init: init}
	}
	return ret, nil
}
