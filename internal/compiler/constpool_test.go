package compiler

import (
	"testing"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func TestConstantPoolAssignSlotsAndLookup(t *testing.T) {
	records := []*constRecord{
		{Key: constKey{Kind: wasm.ValueTypeI32, Lo: 1}, Count: 9},
		{Key: constKey{Kind: wasm.ValueTypeI64, Lo: 2}, Count: 5},
	}
	pool := newConstantPool(records)

	if _, ok := pool.lookup(records[0].Key); ok {
		t.Fatal("did not expect a lookup to succeed before assignSlots runs")
	}

	next := pool.assignSlots(16)
	off0, ok := pool.lookup(records[0].Key)
	if !ok || off0 != 16 {
		t.Fatalf("expected the first i32 record at offset 16, got %d, %v", off0, ok)
	}
	off1, ok := pool.lookup(records[1].Key)
	if !ok || off1 != 20 {
		t.Fatalf("expected the second (i64) record to start right after the i32's 4 bytes, at 20, got %d, %v", off1, ok)
	}
	if next != 28 {
		t.Fatalf("expected assignSlots to return the offset past the last (8-byte) slot, 28, got %d", next)
	}
}

func TestConstantPoolLookupMissReportsNotOk(t *testing.T) {
	pool := newConstantPool(nil)
	if _, ok := pool.lookup(constKey{Kind: wasm.ValueTypeI32, Lo: 42}); ok {
		t.Fatal("expected lookup of an unretained constant to report !ok")
	}
}

func TestConstantPoolEmitPreludeOneRecordPerRetainedConstant(t *testing.T) {
	records := []*constRecord{
		{Key: constKey{Kind: wasm.ValueTypeI32, Lo: 7}},
		{Key: constKey{Kind: wasm.ValueTypeI64, Lo: 0xdeadbeef}},
	}
	pool := newConstantPool(records)
	pool.assignSlots(0)

	buf := &Buffer{}
	pool.emitPrelude(buf)

	pos := 0
	rec0 := buf.RecordOpAt(pos)
	if rec0 != RecordConst32 {
		t.Fatalf("expected the i32 constant to emit RecordConst32, got %v", rec0)
	}
	if got := buf.Operand(pos, 0); got != 7 {
		t.Fatalf("expected the i32 constant's low bits to be 7, got %d", got)
	}
	if got := buf.Operand(pos, 3); got != records[0].Offset {
		t.Fatalf("expected the dst slot to be the assigned offset %d, got %d", records[0].Offset, got)
	}
	pos += buf.recordSize(pos)

	rec1 := buf.RecordOpAt(pos)
	if rec1 != RecordConst64 {
		t.Fatalf("expected the i64 constant to emit RecordConst64, got %v", rec1)
	}
	if got := buf.Operand(pos, 0); got != 0xdeadbeef {
		t.Fatalf("expected the i64 constant's low 32 bits to round-trip, got %#x", got)
	}
}

func TestConstWasmOpcodeMapping(t *testing.T) {
	cases := []struct {
		kind wasm.ValueType
		want wasm.Opcode
	}{
		{wasm.ValueTypeI32, wasm.OpcodeI32Const},
		{wasm.ValueTypeI64, wasm.OpcodeI64Const},
		{wasm.ValueTypeF32, wasm.OpcodeF32Const},
		{wasm.ValueTypeF64, wasm.OpcodeF64Const},
	}
	for _, tc := range cases {
		if got := constWasmOpcode(tc.kind); got != tc.want {
			t.Fatalf("constWasmOpcode(%s): expected %#x, got %#x", wasm.ValueTypeName(tc.kind), tc.want, got)
		}
	}
}
