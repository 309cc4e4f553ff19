package binary

import (
	"bytes"
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeTypeSection(r io.Reader) ([]*wasm.FunctionType, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.FunctionType, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeFunctionType(r); err != nil {
			return nil, fmt.Errorf("read %d-th type: %w", i, err)
		}
	}
	return ret, nil
}

func decodeFunctionType(r io.Reader) (*wasm.FunctionType, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read leading byte: %w", err)
	}
	if b[0] != 0x60 {
		return nil, fmt.Errorf("%#x != 0x60", b[0])
	}

	paramCount, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("could not read parameter count: %w", err)
	}
	params := make([]wasm.ValueType, paramCount)
	for i := range params {
		if params[i], err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read %d-th param: %w", i, err)
		}
	}

	resultCount, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("could not read result count: %w", err)
	}
	results := make([]wasm.ValueType, resultCount)
	for i := range results {
		if results[i], err = decodeValueType(r); err != nil {
			return nil, fmt.Errorf("read %d-th result: %w", i, err)
		}
	}
	return &wasm.FunctionType{Params: params, Results: results}, nil
}

func decodeFunctionSection(r io.Reader) ([]wasm.Index, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]wasm.Index, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("get type index: %w", err)
		}
	}
	return ret, nil
}

func decodeStartSection(r io.Reader) (*wasm.Index, error) {
	v, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get function index: %w", err)
	}
	return &v, nil
}

func decodeTagSection(r io.Reader) ([]*wasm.Tag, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.Tag, vs)
	for i := uint32(0); i < vs; i++ {
		attr := make([]byte, 1)
		if _, err = io.ReadFull(r, attr); err != nil {
			return nil, fmt.Errorf("read tag attribute: %w", err)
		}
		typeIdx, _, err := decodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read tag type: %w", err)
		}
		ret[i] = &wasm.Tag{Type: typeIdx}
	}
	return ret, nil
}

func decodeCustomSection(r io.Reader, size int, m *wasm.Module) error {
	lr := io.LimitReader(r, int64(size))
	name, err := decodeName(lr)
	if err != nil {
		return fmt.Errorf("read custom section name: %w", err)
	}

	data, err := io.ReadAll(lr)
	if err != nil {
		return fmt.Errorf("read custom section data: %w", err)
	}

	if name == "name" {
		ns, err := decodeNameSection(data)
		if err != nil {
			return err
		}
		m.NameSection = ns
		return nil
	}
	return nil
}

const (
	subsectionIDModuleName   = 0
	subsectionIDFunctionName = 1
	subsectionIDLocalName    = 2
)

func decodeNameSection(data []byte) (*wasm.NameSection, error) {
	r := bytes.NewReader(data)
	ret := &wasm.NameSection{}
	for r.Len() > 0 {
		subsectionID := make([]byte, 1)
		if _, err := io.ReadFull(r, subsectionID); err != nil {
			return nil, fmt.Errorf("read subsection ID: %w", err)
		}
		size, _, err := decodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read subsection size: %w", err)
		}
		sub := io.LimitReader(r, int64(size))
		switch subsectionID[0] {
		case subsectionIDModuleName:
			if ret.ModuleName, err = decodeName(sub); err != nil {
				return nil, fmt.Errorf("read module name: %w", err)
			}
		case subsectionIDFunctionName:
			if ret.FunctionNames, err = decodeFunctionNames(sub); err != nil {
				return nil, err
			}
		case subsectionIDLocalName:
			if ret.LocalNames, err = decodeLocalNames(sub); err != nil {
				return nil, err
			}
		default:
			if _, err := io.ReadAll(sub); err != nil {
				return nil, err
			}
		}
	}
	return ret, nil
}

func decodeFunctionNames(r io.Reader) (wasm.NameMap, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, err
	}
	ret := make(wasm.NameMap, vs)
	for i := uint32(0); i < vs; i++ {
		idx, _, err := decodeUint32(r)
		if err != nil {
			return nil, err
		}
		name, err := decodeName(r)
		if err != nil {
			return nil, err
		}
		ret[i] = &wasm.NameAssoc{Index: idx, Name: name}
	}
	return ret, nil
}

func decodeLocalNames(r io.Reader) (wasm.IndirectNameMap, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, err
	}
	ret := make(wasm.IndirectNameMap, vs)
	for i := uint32(0); i < vs; i++ {
		idx, _, err := decodeUint32(r)
		if err != nil {
			return nil, err
		}
		names, err := decodeFunctionNames(r)
		if err != nil {
			return nil, err
		}
		ret[i] = &wasm.NameMapAssoc{Index: idx, NameMap: names}
	}
	return ret, nil
}
