// Package binary implements decoding of the WebAssembly Binary Format into
// an internal/wasm.Module.
//
// This package is the "physical binary decoder" external collaborator named
// by the compiler's design: it turns a byte stream into section tables and
// per-function Code records, but never interprets an instruction stream
// itself. The bytecode compiler walks Code.Body on its own.
package binary

import (
	"bytes"
	"fmt"
	"io"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6d}
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

var (
	ErrInvalidMagicNumber = fmt.Errorf("invalid magic number")
	ErrInvalidVersion     = fmt.Errorf("invalid version header")
	ErrInvalidSectionID   = fmt.Errorf("invalid section id")
)

// reader tracks how many bytes have been consumed so that section length
// checks can be enforced without buffering a whole section up front.
type reader struct {
	buffer *bytes.Reader
	read   int
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.buffer.Read(p)
	r.read += n
	return
}

// DecodeModule parses the given WebAssembly 1.0 (MVP) binary, plus the
// multi-value, reference-types, bulk-memory and exception-handling
// extensions this compiler understands.
func DecodeModule(binary []byte) (*wasm.Module, error) {
	r := &reader{buffer: bytes.NewReader(binary)}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, magic) {
		return nil, ErrInvalidMagicNumber
	}
	if _, err := io.ReadFull(r, buf); err != nil || !bytes.Equal(buf, version) {
		return nil, ErrInvalidVersion
	}

	m := &wasm.Module{ExportSection: map[string]*wasm.Export{}}
	for {
		idBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, idBuf); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("read section id: %w", err)
		}
		sectionID := idBuf[0]

		sectionSize, _, err := decodeUint32(r)
		if err != nil {
			return nil, fmt.Errorf("get size of section for id=%d: %w", sectionID, err)
		}

		sectionContentStart := r.read
		switch sectionID {
		case wasm.SectionIDCustom:
			err = decodeCustomSection(r, int(sectionSize), m)
		case wasm.SectionIDType:
			m.TypeSection, err = decodeTypeSection(r)
		case wasm.SectionIDImport:
			m.ImportSection, err = decodeImportSection(r)
		case wasm.SectionIDFunction:
			m.FunctionSection, err = decodeFunctionSection(r)
		case wasm.SectionIDTable:
			m.TableSection, err = decodeTableSection(r)
		case wasm.SectionIDMemory:
			m.MemorySection, err = decodeMemorySection(r)
		case wasm.SectionIDGlobal:
			m.GlobalSection, err = decodeGlobalSection(r)
		case wasm.SectionIDExport:
			err = decodeExportSection(r, m)
		case wasm.SectionIDStart:
			m.StartSection, err = decodeStartSection(r)
		case wasm.SectionIDElement:
			m.ElementSection, err = decodeElementSection(r)
		case wasm.SectionIDCode:
			m.CodeSection, err = decodeCodeSection(r)
		case wasm.SectionIDData:
			m.DataSection, err = decodeDataSection(r)
		case wasm.SectionIDDataCount:
			_, _, err = decodeUint32(r) // count is advisory only; we don't pre-size anything on it.
		case wasm.SectionIDTag:
			m.TagSection, err = decodeTagSection(r)
		default:
			err = ErrInvalidSectionID
		}

		if err == nil && sectionContentStart+int(sectionSize) != r.read {
			err = fmt.Errorf("invalid section length: expected to be %d but got %d", sectionSize, r.read-sectionContentStart)
		}
		if err != nil {
			return nil, fmt.Errorf("section ID %s: %w", wasm.SectionIDName(sectionID), err)
		}
	}

	if len(m.FunctionSection) != len(m.CodeSection) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d != %d",
			len(m.FunctionSection), len(m.CodeSection))
	}
	return m, nil
}
