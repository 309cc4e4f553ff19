package binary

import (
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func decodeExportSection(r io.Reader, m *wasm.Module) error {
	vs, _, err := decodeUint32(r)
	if err != nil {
		return fmt.Errorf("get size of vector: %w", err)
	}
	for i := uint32(0); i < vs; i++ {
		e, err := decodeExport(r)
		if err != nil {
			return fmt.Errorf("read %d-th export: %w", i, err)
		}
		if _, ok := m.ExportSection[e.Name]; ok {
			return fmt.Errorf("export %q already exists", e.Name)
		}
		m.ExportSection[e.Name] = e
	}
	return nil
}

func decodeExport(r io.Reader) (*wasm.Export, error) {
	name, err := decodeName(r)
	if err != nil {
		return nil, fmt.Errorf("export name: %w", err)
	}
	kindBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, kindBuf); err != nil {
		return nil, fmt.Errorf("export kind: %w", err)
	}
	kind := wasm.ExportKind(kindBuf[0])
	switch kind {
	case wasm.ExportKindFunc, wasm.ExportKindTable, wasm.ExportKindMemory, wasm.ExportKindGlobal, wasm.ExportKindTag:
	default:
		return nil, fmt.Errorf("invalid export kind: %#x", kindBuf[0])
	}
	idx, _, err := decodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("export index: %w", err)
	}
	return &wasm.Export{Kind: kind, Name: name, Index: idx}, nil
}
