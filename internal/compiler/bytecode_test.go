package compiler

import (
	"testing"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func TestBufferAppendFixedRoundTrips(t *testing.T) {
	buf := &Buffer{}
	pos := buf.AppendFixed(RecordBinary, wasm.OpcodeI32Add, 0, 4, noOffset, 8)

	if pos != 0 {
		t.Fatalf("expected the first record at position 0, got %d", pos)
	}
	if buf.Len() != recordHeaderSize {
		t.Fatalf("expected a fixed record to occupy exactly recordHeaderSize bytes, got %d", buf.Len())
	}
	if buf.RecordOpAt(pos) != RecordBinary {
		t.Fatalf("expected RecordOpAt to round-trip RecordBinary, got %v", buf.RecordOpAt(pos))
	}
	if buf.WasmOpAt(pos) != wasm.OpcodeI32Add {
		t.Fatalf("expected WasmOpAt to round-trip the originating opcode, got %#x", buf.WasmOpAt(pos))
	}
	if got := buf.Operand(pos, 0); got != 0 {
		t.Fatalf("expected src0 to round-trip as 0, got %d", got)
	}
	if got := buf.Operand(pos, 1); got != 4 {
		t.Fatalf("expected src1 to round-trip as 4, got %d", got)
	}
	if got := buf.Operand(pos, 2); got != noOffset {
		t.Fatalf("expected unused src2 to round-trip as noOffset, got %d", got)
	}
	if got := buf.Operand(pos, 3); got != 8 {
		t.Fatalf("expected dst to round-trip as 8, got %d", got)
	}
}

func TestBufferSetOperand(t *testing.T) {
	buf := &Buffer{}
	pos := buf.AppendFixed(RecordMove32, wasm.OpcodeLocalSet, 0, noOffset, noOffset, 4)
	buf.SetOperand(pos, 3, 12)
	if got := buf.Operand(pos, 3); got != 12 {
		t.Fatalf("expected SetOperand to overwrite dst in place, got %d", got)
	}
	// Untouched slots must survive a neighboring SetOperand call.
	if got := buf.Operand(pos, 0); got != 0 {
		t.Fatalf("expected src0 to be unaffected, got %d", got)
	}
}

func TestBufferAppendWithTailAndSetTailEntry(t *testing.T) {
	buf := &Buffer{}
	tail := []uint32{10, 20, 30}
	pos := buf.AppendWithTail(RecordBrTable, wasm.OpcodeBrTable, 0, noOffset, noOffset, noOffset, tail)

	got := buf.Tail(pos)
	if len(got) != 3 {
		t.Fatalf("expected a 3-entry tail, got %d entries", len(got))
	}
	for i, want := range tail {
		if got[i] != want {
			t.Fatalf("tail[%d]: expected %d, got %d", i, want, got[i])
		}
	}

	buf.SetTailEntry(pos, 1, 99)
	got = buf.Tail(pos)
	if got[1] != 99 {
		t.Fatalf("expected SetTailEntry to patch index 1, got %d", got[1])
	}
	if got[0] != 10 || got[2] != 30 {
		t.Fatalf("expected neighboring tail entries to survive the patch, got %v", got)
	}
}

func TestBufferRecordSizeAccountsForTail(t *testing.T) {
	buf := &Buffer{}
	fixedPos := buf.AppendFixed(RecordBinary, wasm.OpcodeI32Add, 0, 4, noOffset, 8)
	if got := buf.recordSize(fixedPos); got != recordHeaderSize {
		t.Fatalf("expected a fixed-only record's size to equal recordHeaderSize, got %d", got)
	}

	tailPos := buf.AppendWithTail(RecordCall, wasm.OpcodeCall, 0, 2, noOffset, noOffset, []uint32{1, 2, 3})
	want := recordHeaderSize + 4 + 3*4
	if got := buf.recordSize(tailPos); got != want {
		t.Fatalf("expected a 3-entry tail record's size to be %d, got %d", want, got)
	}
}

func TestBufferTruncateDiscardsTrailingRecords(t *testing.T) {
	buf := &Buffer{}
	buf.AppendFixed(RecordConst32, wasm.OpcodeI32Const, 1, noOffset, noOffset, 0)
	keepPos := buf.Pos()
	buf.AppendFixed(RecordConst32, wasm.OpcodeI32Const, 2, noOffset, noOffset, 4)
	if buf.Pos() == keepPos {
		t.Fatal("expected the second append to grow the buffer")
	}

	buf.Truncate(keepPos)
	if buf.Pos() != keepPos {
		t.Fatalf("expected Truncate to roll the buffer back to %d, got %d", keepPos, buf.Pos())
	}
}

func TestBufferWalkSequentialRecordsViaRecordSize(t *testing.T) {
	buf := &Buffer{}
	buf.AppendFixed(RecordConst32, wasm.OpcodeI32Const, 1, noOffset, noOffset, 0)
	buf.AppendWithTail(RecordCall, wasm.OpcodeCall, 0, 1, noOffset, noOffset, []uint32{7, 8})
	buf.AppendFixed(RecordUnary, wasm.OpcodeI32Eqz, 0, noOffset, noOffset, 4)

	var ops []RecordOp
	for pos := 0; pos < buf.Len(); pos += buf.recordSize(pos) {
		ops = append(ops, buf.RecordOpAt(pos))
	}
	want := []RecordOp{RecordConst32, RecordCall, RecordUnary}
	if len(ops) != len(want) {
		t.Fatalf("expected to walk %d records, got %d: %v", len(want), len(ops), ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("record %d: expected %v, got %v", i, want[i], ops[i])
		}
	}
}
