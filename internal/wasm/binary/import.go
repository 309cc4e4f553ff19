package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeImportSection(r io.Reader) ([]*wasm.Import, error) {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("get size of vector: %w", err)
	}
	ret := make([]*wasm.Import, vs)
	for i := uint32(0); i < vs; i++ {
		if ret[i], err = decodeImport(r); err != nil {
			return nil, fmt.Errorf("read %d-th import: %w", i, err)
		}
	}
	return ret, nil
}

func decodeImport(r io.Reader) (*wasm.Import, error) {
	mod, err := decodeName(r)
	if err != nil {
		return nil, fmt.Errorf("import module: %w", err)
	}
	name, err := decodeName(r)
	if err != nil {
		return nil, fmt.Errorf("import name: %w", err)
	}
	kindBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, kindBuf); err != nil {
		return nil, fmt.Errorf("import kind: %w", err)
	}

	i := &wasm.Import{Kind: wasm.ImportKind(kindBuf[0]), Module: mod, Name: name}
	switch i.Kind {
	case wasm.ImportKindFunc:
		if i.DescFunc, _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("import function type index: %w", err)
		}
	case wasm.ImportKindTable:
		if i.DescTable, err = decodeTableType(r); err != nil {
			return nil, fmt.Errorf("import table type: %w", err)
		}
	case wasm.ImportKindMemory:
		if i.DescMem, err = decodeLimitsType(r); err != nil {
			return nil, fmt.Errorf("import memory type: %w", err)
		}
	case wasm.ImportKindGlobal:
		if i.DescGlobal, err = decodeGlobalType(r); err != nil {
			return nil, fmt.Errorf("import global type: %w", err)
		}
	case wasm.ImportKindTag:
		attr := make([]byte, 1)
		if _, err := io.ReadFull(r, attr); err != nil {
			return nil, fmt.Errorf("import tag attribute: %w", err)
		}
		if i.DescTag, _, err = decodeUint32(r); err != nil {
			return nil, fmt.Errorf("import tag type index: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid import kind: %#x", kindBuf[0])
	}
	return i, nil
}
