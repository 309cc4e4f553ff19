package compiler

import (
	"testing"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func TestMergeRangesCollapsesMultipleIntervals(t *testing.T) {
	locals := []localUsage{
		{Intervals: []localInterval{{Start: 10, End: 20}, {Start: 5, End: 15}}},
		{},
	}
	ranges := mergeRanges(locals)
	if !ranges[0].live || ranges[0].start != 5 || ranges[0].end != 20 {
		t.Fatalf("expected the merged range to span the widest start/end, got %+v", ranges[0])
	}
	if ranges[1].live {
		t.Fatal("expected a local with no intervals to be reported not live")
	}
}

func TestRewriteOffsetRemapsLocalsAndShiftsStackSlots(t *testing.T) {
	const localBase = 16
	remap := map[uint32]uint32{0: 8, 4: 0}
	const delta = 4

	if got := rewriteOffset(0, localBase, remap, delta); got != 8 {
		t.Fatalf("expected local slot 0 to remap to 8, got %d", got)
	}
	if got := rewriteOffset(4, localBase, remap, delta); got != 0 {
		t.Fatalf("expected local slot 4 to remap to 0, got %d", got)
	}
	// A value at/above localBase is a stack/const-pool offset: shift down
	// by delta to close the gap coalescing freed, not remapped.
	if got := rewriteOffset(20, localBase, remap, delta); got != 16 {
		t.Fatalf("expected a stack offset of 20 to shift down by delta to 16, got %d", got)
	}
}

func TestRewriteOffsetLeavesUnknownLocalUntouched(t *testing.T) {
	// A local slot with no remap entry (e.g. it was never referenced)
	// passes through unchanged rather than panicking on a missing key.
	got := rewriteOffset(2, 16, map[uint32]uint32{}, 0)
	if got != 2 {
		t.Fatalf("expected an unmapped local offset to pass through, got %d", got)
	}
}

func TestOffsetFixedSlotsBinaryMarksAllButTheUnusedSlot(t *testing.T) {
	mask := offsetFixedSlots(RecordBinary, wasm.OpcodeI32Add)
	want := [4]bool{true, true, false, true}
	if mask != want {
		t.Fatalf("expected binary's src0/src1/dst to be offsets, got %v", mask)
	}
}

func TestOffsetFixedSlotsCallCarriesNoOffsets(t *testing.T) {
	mask := offsetFixedSlots(RecordCall, wasm.OpcodeCall)
	want := [4]bool{false, false, false, false}
	if mask != want {
		t.Fatalf("expected call's fixed slots to carry only immediates, got %v", mask)
	}
}

func TestOffsetFixedSlotsStoreDistinguishesGlobalSet(t *testing.T) {
	global := offsetFixedSlots(RecordStore, wasm.OpcodeGlobalSet)
	if global != ([4]bool{false, true, false, false}) {
		t.Fatalf("expected global.set's src1 to be the only offset, got %v", global)
	}
	mem := offsetFixedSlots(RecordStore, wasm.OpcodeI32Store)
	if mem != ([4]bool{true, true, false, false}) {
		t.Fatalf("expected a memory store's src0/src1 to be offsets (src2/dst are align/imm offset), got %v", mem)
	}
}

func TestOffsetTailSkipCallSkipsNoLeadingEntries(t *testing.T) {
	if got := offsetTailSkip(RecordCall, wasm.OpcodeCall); got != 0 {
		t.Fatalf("expected call's whole tail to be offsets, got skip=%d", got)
	}
}

func TestOffsetTailSkipBrTableIsUntouched(t *testing.T) {
	if got := offsetTailSkip(RecordBrTable, wasm.OpcodeBrTable); got != -1 {
		t.Fatalf("expected br_table's tail (jump targets) to be skipped entirely, got %d", got)
	}
}

// TestFrameLayoutMergesAdjacentFreeHalfWidthSlots exercises §4.7 Step 3's
// own example directly: two free 8-byte slots that happen to be adjacent in
// the frame coalesce into one free 16-byte slot for a wider local, instead
// of being trapped in an 8-byte-only freelist.
func TestFrameLayoutMergesAdjacentFreeHalfWidthSlots(t *testing.T) {
	fl := &frameLayout{}

	a, err := fl.acquire(8, 0)
	if err != nil {
		t.Fatalf("acquiring first 8-byte slot: %v", err)
	}
	a.busyUntil = 10

	b, err := fl.acquire(8, 0)
	if err != nil {
		t.Fatalf("acquiring second 8-byte slot: %v", err)
	}
	if b.offset == a.offset {
		t.Fatalf("expected the second 8-byte local to get its own slot while the first is still live")
	}
	b.busyUntil = 10

	c, err := fl.acquire(16, 10)
	if err != nil {
		t.Fatalf("acquiring merged 16-byte slot: %v", err)
	}
	if c.offset != 0 || c.width != 16 {
		t.Fatalf("expected the two freed 8-byte slots to merge into one 16-byte slot at offset 0, got %+v", c)
	}
	if len(fl.slots) != 1 {
		t.Fatalf("expected the merge to leave exactly one slot in the layout, got %d", len(fl.slots))
	}
}

// TestFrameLayoutSplitsFreeDoubleWidthSlot exercises the reverse direction:
// a free 16-byte slot can be split to serve an 8-byte local, leaving its
// other half in the freelist rather than stranding it behind a class
// boundary.
func TestFrameLayoutSplitsFreeDoubleWidthSlot(t *testing.T) {
	fl := &frameLayout{}

	a, err := fl.acquire(16, 0)
	if err != nil {
		t.Fatalf("acquiring 16-byte slot: %v", err)
	}
	a.busyUntil = 3

	b, err := fl.acquire(8, 3)
	if err != nil {
		t.Fatalf("acquiring split 8-byte slot: %v", err)
	}
	if b.offset != 0 || b.width != 8 {
		t.Fatalf("expected the split to keep the lower half at offset 0, got %+v", b)
	}
	if len(fl.slots) != 2 {
		t.Fatalf("expected the split to leave two 8-byte slots in the layout, got %d", len(fl.slots))
	}
	b.busyUntil = 100 // mark the lower half as now in use so the next acquire must take the upper half

	c, err := fl.acquire(8, 3)
	if err != nil {
		t.Fatalf("acquiring the split's other half: %v", err)
	}
	if c.offset != 8 {
		t.Fatalf("expected the upper half of the split, left free at offset 8, to be reused, got %+v", c)
	}
}

// TestFrameLayoutGrowRejectsOversizedFrame exercises the capacity-error call
// site: a frame that would exceed maxFrameBytes fails instead of silently
// growing past the representable offset range.
func TestFrameLayoutGrowRejectsOversizedFrame(t *testing.T) {
	fl := &frameLayout{end: maxFrameBytes - 2}
	if _, err := fl.acquire(4, 0); err == nil {
		t.Fatal("expected acquiring past maxFrameBytes to fail")
	}
}
