package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
	"github.com/wazc-project/wazc/internal/leb128"
)

func decodeUint32(r io.Reader) (uint32, uint64, error) {
	return leb128.DecodeUint32(r)
}

func decodeVarInt33(r io.Reader) (int64, uint64, error) {
	return leb128.DecodeInt33AsInt64(r)
}

func decodeValueType(r io.Reader) (wasm.ValueType, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, fmt.Errorf("read value type: %w", err)
	}
	switch vt := wasm.ValueType(b[0]); vt {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64,
		wasm.ValueTypeV128, wasm.ValueTypeFuncRef, wasm.ValueTypeExternRef:
		return vt, nil
	default:
		return 0, fmt.Errorf("invalid value type: %#x", vt)
	}
}

func decodeName(r io.Reader) (string, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return "", fmt.Errorf("read size of name: %w", err)
	}
	buf := make([]byte, vs)
	if _, err = io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read name: %w", err)
	}
	return string(buf), nil
}

func decodeLimitsType(r io.Reader) (*wasm.LimitsType, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return nil, fmt.Errorf("read leading byte: %w", err)
	}
	ret := &wasm.LimitsType{}
	var err error
	ret.Min, _, err = decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read min of limit: %w", err)
	}
	if flag[0] == 0x01 {
		var max uint32
		max, _, err = decodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read max of limit: %w", err)
		}
		ret.Max = &max
	}
	return ret, nil
}

// decodeBlockType decodes the multi-value proposal's blocktype: either an
// empty result, a single value type, or a signed LEB128 index into the type
// section. See https://webassembly.github.io/spec/core/binary/instructions.html#control-instructions
func decodeBlockType(r io.Reader) (wasm.BlockType, error) {
	v, _, err := decodeVarInt33(r)
	if err != nil {
		return wasm.BlockType{}, fmt.Errorf("read block type: %w", err)
	}
	if v == -64 { // 0x40 as a signed 33-bit value: empty result.
		return wasm.BlockType{Empty: true}, nil
	}
	switch wasm.ValueType(v & 0x7f) {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64,
		wasm.ValueTypeV128, wasm.ValueTypeFuncRef, wasm.ValueTypeExternRef:
		if v < 0 {
			return wasm.BlockType{ValueType: wasm.ValueType(v & 0x7f)}, nil
		}
	}
	if v < 0 {
		return wasm.BlockType{}, fmt.Errorf("invalid block type: %d", v)
	}
	return wasm.BlockType{TypeIndex: wasm.Index(v), HasTypeIndex: true}, nil
}
