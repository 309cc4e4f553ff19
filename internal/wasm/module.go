// Package wasm holds the in-memory representation of a decoded WebAssembly
// module: the section tables, instruction opcodes and value types shared by
// the binary decoder and the bytecode compiler.
//
// This package intentionally stops at the AST: it does not execute
// instructions, link imports, or validate the instruction stream beyond the
// lightweight stack-type assertions the compiler performs as a debugging
// aid. Validation, linking and execution belong to other collaborators.
package wasm

import "fmt"

// Index is the offset in an index namespace, not necessarily an absolute
// position in a Module section, because index namespaces are often preceded
// by a corresponding import.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-index
type Index = uint32

// Module is a WebAssembly binary representation, plus the handful of
// post-MVP extensions this compiler understands: multi-value results,
// reference types, bulk memory operations and exception-handling tags.
//
// Differences from the specification:
//   - The NameSection is decoded, so it is not present as a key "name" in
//     CustomSections.
//   - The ExportSection is represented as a map for lookup convenience.
type Module struct {
	// TypeSection contains the unique FunctionType of functions imported or
	// defined in this module, plus any multi-value block signatures that
	// appear as a `block`/`loop`/`if`/`try` type.
	//
	// See https://www.w3.org/TR/wasm-core-1/#types%E2%91%A0%E2%91%A0
	TypeSection []*FunctionType

	// ImportSection contains imported functions, tables, memories, globals
	// or tags required for instantiation.
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function
	// defined in this module. It is index-correlated with CodeSection.
	FunctionSection []Index

	// TableSection contains each table defined in this module.
	TableSection []*TableType

	// MemorySection contains each memory defined in this module.
	MemorySection []*MemoryType

	// GlobalSection contains each global defined in this module.
	GlobalSection []*Global

	// TagSection contains each exception tag defined in this module. A tag
	// carries a FunctionType index whose Results are always empty and whose
	// Params are the exception's payload types.
	//
	// See the exception-handling proposal: https://github.com/WebAssembly/exception-handling
	TagSection []*Tag

	// ExportSection contains each export defined in this module, keyed by
	// name.
	ExportSection map[string]*Export

	// StartSection is the index of a function to call before returning from
	// instantiation, in the function index namespace.
	StartSection *Index

	// ElementSection initializes TableSection entries (or, with the
	// bulk-memory proposal, a "passive"/"declarative" segment with no table).
	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each
	// function's locals and body.
	CodeSection []*Code

	// DataSection initializes MemorySection bytes (or, with bulk-memory, a
	// passive segment consumed only by memory.init).
	DataSection []*DataSegment

	// NameSection is set when the SectionIDCustom "name" was successfully
	// decoded.
	NameSection *NameSection
}

// TypeOfFunction returns the wasm.SectionIDType index for the given function
// namespace index, or nil if out of range.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	typeSectionLength := uint32(len(m.TypeSection))
	if typeSectionLength == 0 {
		return nil
	}
	funcImportCount := Index(0)
	for i, im := range m.ImportSection {
		if im.Kind == ImportKindFunc {
			if funcIdx == Index(i) {
				if im.DescFunc >= typeSectionLength {
					return nil
				}
				return m.TypeSection[im.DescFunc]
			}
			funcImportCount++
		}
	}
	funcSectionIdx := funcIdx - funcImportCount
	if funcSectionIdx >= uint32(len(m.FunctionSection)) {
		return nil
	}
	typeIdx := m.FunctionSection[funcSectionIdx]
	if typeIdx >= typeSectionLength {
		return nil
	}
	return m.TypeSection[typeIdx]
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/wasm-core-1/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a
	// function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a
	// function with this signature. With the multi-value proposal there can
	// be more than one.
	Results []ValueType
}

func (t *FunctionType) String() (ret string) {
	for _, b := range t.Params {
		ret += ValueTypeName(b)
	}
	if len(t.Params) == 0 {
		ret += "null"
	}
	ret += "_"
	for _, b := range t.Results {
		ret += ValueTypeName(b)
	}
	if len(t.Results) == 0 {
		ret += "null"
	}
	return
}

// BlockType describes the signature of a `block`/`loop`/`if`/`try` body, as
// encoded by the multi-value proposal: either empty, a single value type, or
// a signed LEB128 index into Module.TypeSection.
type BlockType struct {
	// ValueType is set when the block has at most one result and no
	// parameters; Empty reports whether there is no result at all.
	ValueType ValueType
	Empty     bool

	// TypeIndex is set when the block has a full FunctionType signature
	// (params and/or more than one result). HasTypeIndex distinguishes this
	// from the single-value encoding, since index 0 is also valid.
	TypeIndex    Index
	HasTypeIndex bool
}

// ImportKind indicates which of the five import namespaces Import.Kind
// occupies.
type ImportKind = byte

const (
	ImportKindFunc   ImportKind = 0x00
	ImportKindTable  ImportKind = 0x01
	ImportKindMemory ImportKind = 0x02
	ImportKindGlobal ImportKind = 0x03
	ImportKindTag    ImportKind = 0x04
)

// Import is the binary representation of an import indicated by Kind.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-import
type Import struct {
	Kind ImportKind
	// Module is the possibly empty primary namespace of this import.
	Module string
	// Name is the possibly empty secondary namespace of this import.
	Name string
	// DescFunc is the index in Module.TypeSection when Kind == ImportKindFunc.
	DescFunc Index
	// DescTable is the inlined TableType when Kind == ImportKindTable.
	DescTable *TableType
	// DescMem is the inlined MemoryType when Kind == ImportKindMemory.
	DescMem *MemoryType
	// DescGlobal is the inlined GlobalType when Kind == ImportKindGlobal.
	DescGlobal *GlobalType
	// DescTag is the index in Module.TypeSection when Kind == ImportKindTag.
	DescTag Index
}

type LimitsType struct {
	Min uint32
	Max *uint32
}

type TableType struct {
	ElemType ValueType // ValueTypeFuncRef or ValueTypeExternRef
	Limit    *LimitsType
}

type MemoryType = LimitsType

type GlobalType struct {
	ValType ValueType
	Mutable bool
}

type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// Tag is an exception tag defined by this module. Its Type.Results must be
// empty; Type.Params are the exception's payload value types.
type Tag struct {
	Type Index // index into Module.TypeSection
}

type ConstantExpression struct {
	Opcode Opcode
	Data   []byte
}

// ExportKind mirrors ImportKind for the export namespace.
type ExportKind = byte

const (
	ExportKindFunc   ExportKind = ImportKindFunc
	ExportKindTable  ExportKind = ImportKindTable
	ExportKindMemory ExportKind = ImportKindMemory
	ExportKindGlobal ExportKind = ImportKindGlobal
	ExportKindTag    ExportKind = ImportKindTag
)

// Export is the binary representation of an export indicated by Kind.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-export
type Export struct {
	Kind ExportKind
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export; the index namespace
	// is by Kind.
	Index Index
}

// ElementSegment initializes a TableType. With the bulk-memory proposal a
// segment may be passive (TableIndex meaningless, OffsetExpr nil) or active.
type ElementSegment struct {
	Mode       ElementSegmentMode
	TableIndex Index
	OffsetExpr *ConstantExpression
	Init       []uint32
}

type ElementSegmentMode byte

const (
	ElementSegmentModeActive ElementSegmentMode = iota
	ElementSegmentModePassive
	ElementSegmentModeDeclarative
)

// Code is an entry in the Module.CodeSection containing the locals and body
// of the function.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables, in insertion order (run-
	// length encoded groups of the binary format are already expanded).
	LocalTypes []ValueType
	// Body is a sequence of expressions ending in OpcodeEnd.
	Body []byte
}

// DataSegmentMode distinguishes an active segment (copied into memory at
// instantiation) from a passive one (consumed only by memory.init).
type DataSegmentMode byte

const (
	DataSegmentModeActive DataSegmentMode = iota
	DataSegmentModePassive
)

type DataSegment struct {
	Mode             DataSegmentMode
	MemoryIndex      Index // supposed to be zero
	OffsetExpression *ConstantExpression
	Init             []byte
}

// NameSection represents the known custom name subsections defined in the
// WebAssembly Binary Format.
//
// Note: this can be nil if no names were decoded for any reason including
// configuration.
type NameSection struct {
	ModuleName    string
	FunctionNames NameMap
	LocalNames    IndirectNameMap
}

// NameMap associates an index with any associated names.
type NameMap []*NameAssoc

type NameAssoc struct {
	Index Index
	Name  string
}

// IndirectNameMap associates an index with an association of names.
type IndirectNameMap []*NameMapAssoc

type NameMapAssoc struct {
	Index   Index
	NameMap NameMap
}

// SectionID identifies the sections of a Module in the WebAssembly Binary
// Format. TagSection (0x0d) is a post-MVP addition from the
// exception-handling proposal and is ordered after DataSection the same way
// upstream toolchains emit it, via the custom "tag" extension slot used
// here.
//
// See https://www.w3.org/TR/wasm-core-1/#sections%E2%91%A0
type SectionID = byte

const (
	SectionIDCustom SectionID = iota
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
	SectionIDDataCount
	SectionIDTag
)

// SectionIDName returns the canonical name of a module section.
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	case SectionIDDataCount:
		return "data count"
	case SectionIDTag:
		return "tag"
	}
	return "unknown"
}

// ValueType is the binary encoding of a type such as i32.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-valtype and the
// reference-types / SIMD proposals for the post-MVP kinds.
type ValueType = byte

const (
	ValueTypeI32       ValueType = 0x7f
	ValueTypeI64       ValueType = 0x7e
	ValueTypeF32       ValueType = 0x7d
	ValueTypeF64       ValueType = 0x7c
	ValueTypeV128      ValueType = 0x7b
	ValueTypeFuncRef   ValueType = 0x70
	ValueTypeExternRef ValueType = 0x6f
	// ValueTypeVoid is not part of the binary format; it is used internally
	// by the compiler to mark a block or function as having no result.
	ValueTypeVoid ValueType = 0x40
)

// ValueTypeName returns the type name of the given ValueType as a string.
//
// Note: ValueTypeName returns "unknown" if an undefined ValueType is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeV128:
		return "v128"
	case ValueTypeFuncRef:
		return "funcref"
	case ValueTypeExternRef:
		return "externref"
	case ValueTypeVoid:
		return "void"
	}
	return "unknown"
}

// ValueTypeSize returns the natural in-stack width of a ValueType, in bytes.
// References are pointer-width; this compiler targets a 64-bit host so that
// is 8 bytes, matching the width of I64.
func ValueTypeSize(t ValueType) int {
	switch t {
	case ValueTypeI32, ValueTypeF32:
		return 4
	case ValueTypeI64, ValueTypeF64:
		return 8
	case ValueTypeV128:
		return 16
	case ValueTypeFuncRef, ValueTypeExternRef:
		return 8
	case ValueTypeVoid:
		return 0
	}
	panic(fmt.Errorf("BUG: unknown value type %#x", t))
}
