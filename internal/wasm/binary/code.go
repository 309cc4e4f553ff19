package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeCodeSection(r io.Reader) ([]*wasm.Code, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.Code, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeCode(r); err != nil {
			return nil, fmt.Errorf("read %d-th code segment: %w", i, err)
		}
	}
	return ret, nil
}

func decodeCode(r io.Reader) (*wasm.Code, error) {
	ss, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get the size of function: %w", err)
	}
	remaining := int64(ss)

	// Locals are encoded as a vector of (count, type) run-length pairs, then
	// expanded into one entry per local here so the compiler's slot
	// allocator can index them directly.
	localTypeVecSize, bytesRead, err := decodeUint32(io.LimitReader(r, remaining))
	if err != nil {
		return nil, fmt.Errorf("get the size of locals: %w", err)
	}
	remaining -= int64(bytesRead)

	var localTypes []wasm.ValueType
	for i := uint32(0); i < localTypeVecSize; i++ {
		lr := io.LimitReader(r, remaining)
		num, bytesRead, err := decodeUint32(lr)
		if err != nil {
			return nil, fmt.Errorf("read %d-th local num: %w", i, err)
		}
		remaining -= int64(bytesRead)

		vt, err := decodeValueType(io.LimitReader(r, remaining))
		if err != nil {
			return nil, fmt.Errorf("read %d-th local type: %w", i, err)
		}
		remaining--

		for j := uint32(0); j < num; j++ {
			localTypes = append(localTypes, vt)
		}
	}

	if remaining < 0 {
		return nil, fmt.Errorf("invalid function size")
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read function body: %w", err)
	}
	if len(body) == 0 || body[len(body)-1] != wasm.OpcodeEnd {
		return nil, fmt.Errorf("function body not terminated by end opcode")
	}

	return &wasm.Code{LocalTypes: localTypes, Body: body}, nil
}
