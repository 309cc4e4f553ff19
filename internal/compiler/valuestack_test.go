package compiler

import (
	"testing"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func TestValueStackPushPop(t *testing.T) {
	s := &valueStack{}

	off0 := s.push(wasm.ValueTypeI32)
	off1 := s.push(wasm.ValueTypeI64)
	if off0 != 0 {
		t.Fatalf("expected first push at offset 0, got %d", off0)
	}
	if off1 != 4 {
		t.Fatalf("expected second push at offset 4 (past the i32), got %d", off1)
	}
	if s.depth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.depth())
	}
	if s.size != 12 {
		t.Fatalf("expected running size 12 (4 + 8), got %d", s.size)
	}
	if s.watermark != 12 {
		t.Fatalf("expected watermark to track the high-water mark, got %d", s.watermark)
	}

	top, err := s.pop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if top.Kind != wasm.ValueTypeI64 {
		t.Fatalf("expected to pop the i64 pushed last, got %v", top.Kind)
	}
	if s.size != 4 {
		t.Fatalf("expected size to shrink back to 4, got %d", s.size)
	}
	// watermark must not shrink back down with the live size.
	if s.watermark != 12 {
		t.Fatalf("expected watermark to remain at its high-water mark, got %d", s.watermark)
	}
}

func TestValueStackPopEmptyUnderflows(t *testing.T) {
	s := &valueStack{}
	if _, err := s.pop(); err != ErrStackUnderflow {
		t.Fatalf("expected ErrStackUnderflow, got %v", err)
	}
	if _, err := s.peek(); err != ErrStackUnderflow {
		t.Fatalf("expected ErrStackUnderflow from peek, got %v", err)
	}
}

func TestValueStackPopExpectTypeMismatch(t *testing.T) {
	s := &valueStack{}
	s.push(wasm.ValueTypeI32)
	if _, err := s.popExpect(wasm.ValueTypeF64); err != ErrStackTypeMismatch {
		t.Fatalf("expected ErrStackTypeMismatch, got %v", err)
	}
}

func TestValueStackPeekN(t *testing.T) {
	s := &valueStack{}
	s.push(wasm.ValueTypeI32)
	s.push(wasm.ValueTypeI64)
	s.push(wasm.ValueTypeF32)

	top, err := s.peekN(0)
	if err != nil || top.Kind != wasm.ValueTypeF32 {
		t.Fatalf("peekN(0) should be the most recently pushed entry, got %+v, %v", top, err)
	}
	bottom, err := s.peekN(2)
	if err != nil || bottom.Kind != wasm.ValueTypeI32 {
		t.Fatalf("peekN(2) should be the first pushed entry, got %+v, %v", bottom, err)
	}
	if _, err := s.peekN(3); err != ErrStackUnderflow {
		t.Fatalf("expected ErrStackUnderflow past the bottom, got %v", err)
	}
}

func TestValueStackPushAtTracksLocalAndCanonicalOffsetsIndependently(t *testing.T) {
	s := &valueStack{}
	s.push(wasm.ValueTypeI32) // canonical/current offset 0, size -> 4

	got := s.pushAt(wasm.ValueTypeI64, 100, 3, true)
	if got != 100 {
		t.Fatalf("pushAt should return the supplied CurrentOffset, got %d", got)
	}
	e, err := s.peek()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.CurrentOffset != 100 {
		t.Fatalf("expected CurrentOffset 100 (the local's home slot), got %d", e.CurrentOffset)
	}
	if e.CanonicalOffset != 4 {
		t.Fatalf("expected CanonicalOffset to advance contiguously from the prior push (4), got %d", e.CanonicalOffset)
	}
	if !e.HasLocalIndex || e.LocalIndex != 3 {
		t.Fatalf("expected HasLocalIndex/LocalIndex to be preserved, got %+v", e)
	}
}

func TestValueStackSnapshotRestoreDoesNotAlias(t *testing.T) {
	s := &valueStack{}
	s.push(wasm.ValueTypeI32)
	snap := s.snapshot()

	s.push(wasm.ValueTypeI64)
	if s.depth() != 2 {
		t.Fatalf("expected depth 2 after the second push, got %d", s.depth())
	}

	s.restore(snap)
	if s.depth() != 1 {
		t.Fatalf("expected restore to roll back to the snapshot's depth 1, got %d", s.depth())
	}

	// Mutating the live stack after restore must not retroactively change
	// a previously taken snapshot, since stackSnapshot copies its entries.
	s.push(wasm.ValueTypeF64)
	if len(snap.entries) != 1 {
		t.Fatalf("expected the earlier snapshot to remain untouched, got %d entries", len(snap.entries))
	}
}
