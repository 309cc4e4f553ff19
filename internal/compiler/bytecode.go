package compiler

import encbinary "encoding/binary"

// RecordOp tags a bytecode record emitted by the Emitter. Distinct from
// wasm.Opcode: a single WebAssembly opcode can lower to zero records (an
// elided move), one record, or a record plus a tail array.
type RecordOp uint16

const (
	RecordNop RecordOp = iota
	RecordConst32
	RecordConst64
	RecordConst128
	RecordMove32
	RecordMove64
	RecordMove128
	RecordUnary
	RecordBinary
	RecordJump
	RecordJumpIfTrue
	RecordJumpIfFalse
	RecordBrTable
	RecordCall
	RecordCallIndirect
	RecordEnd
	RecordThrow
	RecordRethrow
	RecordSelect
	RecordLoad
	RecordStore
	RecordRefNull
	RecordRefFunc
	RecordTableGet
	RecordTableSet
	RecordMemorySize
	RecordMemoryGrow
	RecordMisc
	RecordUnreachable
)

// recordHeaderSize is the fixed portion of every record: a 2-byte op tag, a
// 2-byte wasm.Opcode (the instruction that produced this record, used by
// debug dumps), and four 4-byte stack-offset operand slots (src0, src1,
// src2, dst). Variable-arity records use a subset and leave the rest zero.
const recordHeaderSize = 4 + 4*4

// Buffer is the growable bytecode buffer for a single function body. Per
// the "Growable bytecode buffers with pointer re-acquisition" design note,
// callers address records by their byte position and re-slice into buf on
// every access rather than holding a Go pointer across an Append call.
type Buffer struct {
	buf []byte
}

// Pos returns the current end of the buffer, i.e. the position the next
// Append will start at.
func (b *Buffer) Pos() int { return len(b.buf) }

// Len is an alias for Pos matching the bitset/slice convention used
// elsewhere in this package.
func (b *Buffer) Len() int { return len(b.buf) }

// Bytes exposes the underlying buffer, e.g. for a debug disassembler.
func (b *Buffer) Bytes() []byte { return b.buf }

// Truncate discards every record at or after pos, used when a peephole
// rewinds the buffer (destination forwarding, eqz fusion).
func (b *Buffer) Truncate(pos int) { b.buf = b.buf[:pos] }

// AppendFixed appends a fixed-width record with up to three source offsets
// and one destination offset (pass ^uint32(0) for unused slots) and returns
// the byte position the record was written at.
func (b *Buffer) AppendFixed(op RecordOp, wasmOp byte, src0, src1, src2, dst uint32) int {
	pos := len(b.buf)
	rec := make([]byte, recordHeaderSize)
	encbinary.LittleEndian.PutUint16(rec[0:2], uint16(op))
	encbinary.LittleEndian.PutUint16(rec[2:4], uint16(wasmOp))
	encbinary.LittleEndian.PutUint32(rec[4:8], src0)
	encbinary.LittleEndian.PutUint32(rec[8:12], src1)
	encbinary.LittleEndian.PutUint32(rec[12:16], src2)
	encbinary.LittleEndian.PutUint32(rec[16:20], dst)
	b.buf = append(b.buf, rec...)
	return pos
}

// AppendWithTail appends a fixed header followed by a tail array of uint32
// offsets (call/call_indirect operand list, br_table targets, end/throw
// result offsets, misc operands). The tail is a 4-byte length followed by
// its entries, written directly after the 20-byte header; no alignment
// padding is inserted. The length prefix lets recordSize, and so the
// Local-Slot Allocator's rewrite walk, step over it without decoding every
// opcode.
func (b *Buffer) AppendWithTail(op RecordOp, wasmOp byte, src0, src1, src2, dst uint32, tail []uint32) int {
	pos := b.AppendFixed(op, wasmOp, src0, src1, src2, dst)
	lenBuf := make([]byte, 4)
	encbinary.LittleEndian.PutUint32(lenBuf, uint32(len(tail)))
	b.buf = append(b.buf, lenBuf...)
	for _, t := range tail {
		tb := make([]byte, 4)
		encbinary.LittleEndian.PutUint32(tb, t)
		b.buf = append(b.buf, tb...)
	}
	return pos
}

// RecordOpAt reads the RecordOp tag at pos.
func (b *Buffer) RecordOpAt(pos int) RecordOp {
	return RecordOp(encbinary.LittleEndian.Uint16(b.buf[pos : pos+2]))
}

// WasmOpAt reads the originating wasm.Opcode recorded at pos.
func (b *Buffer) WasmOpAt(pos int) byte {
	return byte(encbinary.LittleEndian.Uint16(b.buf[pos+2 : pos+4]))
}

// Operand reads one of the four fixed operand slots (0..3, where 3 is dst)
// at pos.
func (b *Buffer) Operand(pos, slot int) uint32 {
	off := pos + 4 + slot*4
	return encbinary.LittleEndian.Uint32(b.buf[off : off+4])
}

// SetOperand overwrites one of the four fixed operand slots at pos; used by
// the Local-Slot Allocator's rewrite pass (Step 4) and by fixup patching.
func (b *Buffer) SetOperand(pos, slot int, v uint32) {
	off := pos + 4 + slot*4
	encbinary.LittleEndian.PutUint32(b.buf[off:off+4], v)
}

// Tail reads the tail array following the fixed header at pos, for records
// appended with AppendWithTail.
func (b *Buffer) Tail(pos int) []uint32 {
	tailPos := pos + recordHeaderSize
	n := encbinary.LittleEndian.Uint32(b.buf[tailPos : tailPos+4])
	out := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		off := tailPos + 4 + int(i)*4
		out[i] = encbinary.LittleEndian.Uint32(b.buf[off : off+4])
	}
	return out
}

// SetTailEntry overwrites one entry of a tail array, used to patch br_table
// fixups.
func (b *Buffer) SetTailEntry(pos, idx int, v uint32) {
	tailPos := pos + recordHeaderSize + 4 + idx*4
	encbinary.LittleEndian.PutUint32(b.buf[tailPos:tailPos+4], v)
}

// recordSize returns the total byte length of the record starting at pos,
// accounting for a tail array when present.
func (b *Buffer) recordSize(pos int) int {
	size := recordHeaderSize
	switch b.RecordOpAt(pos) {
	case RecordCall, RecordCallIndirect, RecordEnd, RecordThrow, RecordBrTable, RecordMisc:
		tailPos := pos + recordHeaderSize
		n := encbinary.LittleEndian.Uint32(b.buf[tailPos : tailPos+4])
		size += 4 + int(n)*4
	}
	return size
}

// noOffset marks an unused fixed-operand slot.
const noOffset = ^uint32(0)
