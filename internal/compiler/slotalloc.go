package compiler

import (
	"fmt"
	"sort"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// localRange is the merged {min start, max end} of a local's recorded
// intervals, collapsed to a single conservative span. The intervals
// themselves already carry step 2's "reachability extension" by the time
// they reach here: the Preprocess Collector's onLoopBackEdge/onLoopEnd widen
// any interval opened inside a loop body out to that loop's end once a
// back-edge shows the body can be re-entered before the interval's natural
// end, so a plain min/max over the (already-widened) intervals is enough.
type localRange struct {
	idx        wasm.Index
	start, end int
	live       bool // false for a local with zero recorded intervals (unused)
}

// maxFrameBytes bounds the local-slot region of a function's frame. Record
// operands are stored as uint32 (see noOffset's reserved top value in
// bytecode.go), but this build fixes the representable stack-offset range at
// the 16-bit baseline §6 describes ("a 16-bit stack byte offset... the choice
// is fixed per build"), so oversized frames are rejected rather than silently
// growing into the wider field width.
const maxFrameBytes = 1 << 16

// frameSlot is one byte-addressed region of the coalesced frame layout.
// Unlike a per-width-class slot index, offset is an absolute frame byte
// offset, so slots of different widths can be adjacent, merged, or split.
type frameSlot struct {
	offset    uint32
	width     int
	busyUntil int
}

// frameLayout is the free-slot registry for §4.7 Step 3, kept as one
// whole-frame, cross-width-class list rather than one freelist per width:
// the frame is tessellated end to end by frameSlot entries, and
// acquiring a slot for a local first looks for an exact free slot of the
// right width, then for two free half-width neighbours to merge upward, then
// for a free double-width slot to split downward, before growing the frame.
type frameLayout struct {
	slots []*frameSlot
	end   uint32
}

// acquire returns the frameSlot to use for a local of the given width whose
// live range starts at start, creating, merging, or splitting slots in the
// layout as needed. Its busyUntil is left for the caller to set.
func (fl *frameLayout) acquire(width, start int) (*frameSlot, error) {
	if s := fl.takeExact(width, start); s != nil {
		return s, nil
	}
	if width == 8 || width == 16 {
		if s := fl.takeMerged(width, start); s != nil {
			return s, nil
		}
	}
	if width == 4 || width == 8 {
		if s := fl.takeSplit(width, start); s != nil {
			return s, nil
		}
	}
	return fl.grow(width)
}

func (fl *frameLayout) takeExact(width, start int) *frameSlot {
	for _, s := range fl.slots {
		if s.width == width && s.busyUntil <= start {
			return s
		}
	}
	return nil
}

// takeMerged finds two adjacent free half-width slots and fuses them into a
// single free slot of width, e.g. a free 8-slot beside a free 8-slot becomes
// a free 16-slot, per §4.7 Step 3's example.
func (fl *frameLayout) takeMerged(width, start int) *frameSlot {
	half := width / 2
	for i, a := range fl.slots {
		if a.width != half || a.busyUntil > start {
			continue
		}
		for j, b := range fl.slots {
			if j == i || b.width != half || b.busyUntil > start {
				continue
			}
			if b.offset != a.offset+uint32(half) {
				continue
			}
			merged := &frameSlot{offset: a.offset, width: width}
			fl.replace([]*frameSlot{a, b}, merged)
			return merged
		}
	}
	return nil
}

// takeSplit finds a free slot twice as wide as needed and splits it in two,
// keeping the lower half and leaving the upper half in the freelist with the
// same free-since position so it remains immediately reusable.
func (fl *frameLayout) takeSplit(width, start int) *frameSlot {
	double := width * 2
	for _, s := range fl.slots {
		if s.width != double || s.busyUntil > start {
			continue
		}
		lo := &frameSlot{offset: s.offset, width: width, busyUntil: s.busyUntil}
		hi := &frameSlot{offset: s.offset + uint32(width), width: width, busyUntil: s.busyUntil}
		fl.replace([]*frameSlot{s}, lo, hi)
		return lo
	}
	return nil
}

func (fl *frameLayout) grow(width int) (*frameSlot, error) {
	offset := fl.end
	if uint64(offset)+uint64(width) > maxFrameBytes {
		return nil, errFrameTooLarge
	}
	s := &frameSlot{offset: offset, width: width}
	fl.slots = append(fl.slots, s)
	fl.end += uint32(width)
	return s, nil
}

func (fl *frameLayout) replace(old []*frameSlot, with ...*frameSlot) {
	kept := fl.slots[:0]
	for _, s := range fl.slots {
		drop := false
		for _, o := range old {
			if s == o {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	fl.slots = append(kept, with...)
}

// errFrameTooLarge signals that the frame layout grew past maxFrameBytes;
// allocateLocalSlots turns it into a capacity error carrying the function
// index.
var errFrameTooLarge = fmt.Errorf("frame layout exceeded %d bytes", maxFrameBytes)

// allocateLocalSlots is the Local-Slot Allocator (§4.7): it takes the
// pass-2 bytecode (addressed with one fixed-width slot per wasm local, in
// declaration order) and the Preprocess Collector's interval data, computes
// a coalesced physical layout -- merging and splitting free space across
// width classes per Step 3 -- rewrites every record operand that addressed
// the old layout, and prepends zero-init code for locals the collector
// flagged NeedsInit.
func allocateLocalSlots(fc *funcCompiler, cf *CompiledFunction) error {
	ranges := mergeRanges(fc.collector.locals)

	order := make([]wasm.Index, len(fc.localKind))
	for i := range order {
		order[i] = wasm.Index(i)
	}
	sort.Slice(order, func(i, j int) bool {
		return rangeOf(ranges, order[i]).start < rangeOf(ranges, order[j]).start
	})

	oldHome := fc.localHome
	newHome := make([]uint32, len(fc.localKind))
	numParams := len(fc.sig.Params)

	// Parameters keep their declared home offsets (the caller writes the
	// arguments there) and their slots are never released.
	fl := &frameLayout{}
	for i := 0; i < numParams; i++ {
		slot, err := fl.grow(wasm.ValueTypeSize(fc.localKind[i]))
		if err != nil {
			return newCapacityError(fc.funcIdx)
		}
		slot.busyUntil = int(^uint(0) >> 1)
		newHome[i] = slot.offset
	}
	for _, idx := range order {
		if int(idx) < numParams {
			continue
		}
		w := wasm.ValueTypeSize(fc.localKind[idx])
		r := rangeOf(ranges, idx)

		slot, err := fl.acquire(w, r.start)
		if err != nil {
			return newCapacityError(fc.funcIdx)
		}
		if r.live {
			slot.busyUntil = r.end
		}
		newHome[idx] = slot.offset
	}
	newLocalBase := fl.end

	remap := make(map[uint32]uint32, len(oldHome))
	for i := range oldHome {
		remap[oldHome[i]] = newHome[i]
	}
	delta := fc.localBase - newLocalBase

	rewriteBuffer(fc.buf, fc.localBase, remap, delta)

	prelude := &Buffer{}
	for i, u := range fc.collector.locals {
		if !u.NeedsInit || i < numParams {
			continue
		}
		kind := fc.localKind[i]
		switch wasm.ValueTypeSize(kind) {
		case 4:
			prelude.AppendFixed(RecordConst32, wasm.OpcodeI32Const, 0, noOffset, noOffset, newHome[i])
		case 8:
			prelude.AppendFixed(RecordConst64, wasm.OpcodeI64Const, 0, 0, noOffset, newHome[i])
		case 16:
			prelude.AppendFixed(RecordConst128, wasm.OpcodeVecPrefix, 0, 0, 0, newHome[i])
		}
	}

	preludeLen := uint32(prelude.Len())
	final := append(prelude.Bytes(), fc.buf.Bytes()...)

	catches := make([]CompiledCatch, 0, len(fc.catches))
	for _, c := range fc.catches {
		catches = append(catches, CompiledCatch{
			TagIndex:    c.TagIndex,
			IsCatchAll:  c.IsCatchAll,
			HandlerPos:  uint32(c.CatchPos) + preludeLen,
			StackToDrop: rewriteOffset(c.StackToDrop, fc.localBase, remap, delta),
		})
	}

	cf.Bytecode = final
	cf.FrameSize = fc.values.watermark - delta
	cf.Catches = catches
	return nil
}

func mergeRanges(locals []localUsage) []localRange {
	out := make([]localRange, len(locals))
	for i, u := range locals {
		if len(u.Intervals) == 0 {
			out[i] = localRange{idx: wasm.Index(i)}
			continue
		}
		start, end := u.Intervals[0].Start, u.Intervals[0].End
		for _, iv := range u.Intervals[1:] {
			if iv.Start < start {
				start = iv.Start
			}
			if iv.End > end {
				end = iv.End
			}
		}
		out[i] = localRange{idx: wasm.Index(i), start: start, end: end, live: true}
	}
	return out
}

func rangeOf(ranges []localRange, idx wasm.Index) localRange { return ranges[idx] }

// rewriteBuffer walks every record in buf and remaps the fixed operand
// slots and tail entries that actually address a value's home -- a local
// slot (< localBase, via remap) or a stack/const-pool slot (>= localBase,
// shifted down by delta to close the gap coalescing freed. Slots that hold
// an immediate (a callee/table/global/tag index, an align, a misc
// sub-opcode, a jump target) are left untouched: those values share the
// same small numeric range as local offsets, so rewriting by magnitude
// alone would silently corrupt them. Which slots are offsets is a property
// of the record kind (and, for a few overloaded kinds, the wasmOp it
// carries), not of the value itself.
func rewriteBuffer(buf *Buffer, localBase uint32, remap map[uint32]uint32, delta uint32) {
	pos := 0
	for pos < buf.Len() {
		op := buf.RecordOpAt(pos)
		wasmOp := buf.WasmOpAt(pos)
		mask := offsetFixedSlots(op, wasmOp)
		for slot := 0; slot < 4; slot++ {
			if !mask[slot] {
				continue
			}
			v := buf.Operand(pos, slot)
			if v == noOffset {
				continue
			}
			buf.SetOperand(pos, slot, rewriteOffset(v, localBase, remap, delta))
		}
		if skip := offsetTailSkip(op, wasmOp); skip >= 0 {
			tail := buf.Tail(pos)
			for i := skip; i < len(tail); i++ {
				buf.SetTailEntry(pos, i, rewriteOffset(tail[i], localBase, remap, delta))
			}
		}
		pos += buf.recordSize(pos)
	}
}

// offsetFixedSlots reports, for the four fixed operand slots (src0, src1,
// src2, dst) of a record, which ones hold a stack/local offset rather than
// an immediate (index, align, sub-opcode) or a jump target.
func offsetFixedSlots(op RecordOp, wasmOp byte) [4]bool {
	switch op {
	case RecordConst32, RecordConst64, RecordConst128:
		return [4]bool{false, false, false, true} // src0/src1/src2 are constant bits
	case RecordMove32, RecordMove64, RecordMove128:
		return [4]bool{true, false, false, true}
	case RecordUnary:
		return [4]bool{true, false, false, true}
	case RecordBinary:
		return [4]bool{true, true, false, true}
	case RecordSelect:
		return [4]bool{true, true, true, true}
	case RecordLoad:
		if wasmOp == wasm.OpcodeGlobalGet {
			return [4]bool{false, false, false, true} // src0 is the global index
		}
		return [4]bool{true, false, false, true} // src1/src2 are align/offset immediates
	case RecordStore:
		if wasmOp == wasm.OpcodeGlobalSet {
			return [4]bool{false, true, false, false}
		}
		return [4]bool{true, true, false, false} // src2/dst are align/offset immediates
	case RecordTableGet:
		return [4]bool{false, true, false, true} // src0 is the table index
	case RecordTableSet:
		return [4]bool{false, true, true, false}
	case RecordRefNull:
		return [4]bool{false, false, false, true}
	case RecordRefFunc:
		return [4]bool{false, false, false, true} // src0 is the function index
	case RecordMemorySize:
		return [4]bool{false, false, false, true} // src0 is the memory index
	case RecordMemoryGrow:
		return [4]bool{false, true, false, true} // src0 is the memory index
	case RecordMisc:
		if wasmOp == byte(wasm.OpcodeMiscTableGrow) || wasmOp == byte(wasm.OpcodeMiscTableSize) {
			return [4]bool{false, false, false, true}
		}
		return [4]bool{false, false, false, false}
	case RecordJumpIfTrue, RecordJumpIfFalse:
		return [4]bool{true, false, false, false} // dst is a jump target, not an offset
	case RecordJump, RecordBrTable:
		return [4]bool{true, false, false, false}
	case RecordCall:
		return [4]bool{false, false, false, false} // src0/src1 are callee index / param count
	case RecordCallIndirect:
		return [4]bool{false, false, true, false} // src2 is the indirect-call operand offset
	case RecordEnd:
		if wasmOp == wasm.OpcodeDelegate {
			return [4]bool{false, false, false, false} // src0 is a relative depth
		}
		return [4]bool{false, false, false, false}
	case RecordThrow:
		return [4]bool{false, false, false, false} // src0 is the tag index
	case RecordRethrow, RecordUnreachable:
		return [4]bool{false, false, false, false}
	}
	return [4]bool{false, false, false, false}
}

// offsetTailSkip returns the number of leading tail entries that are
// immediates (not offsets) for a tail-bearing record, or -1 if the record's
// tail must not be touched at all (br_table's jump targets).
func offsetTailSkip(op RecordOp, wasmOp byte) int {
	switch op {
	case RecordCall, RecordCallIndirect, RecordThrow:
		return 0
	case RecordEnd:
		if wasmOp == wasm.OpcodeDelegate {
			return -1 // no tail was written for delegate
		}
		return 0
	case RecordBrTable:
		return -1
	case RecordMisc:
		switch wasm.OpcodeMisc(wasmOp) {
		case wasm.OpcodeMiscMemoryInit, wasm.OpcodeMiscTableInit,
			wasm.OpcodeMiscMemoryCopy, wasm.OpcodeMiscTableCopy:
			return 2
		case wasm.OpcodeMiscDataDrop, wasm.OpcodeMiscElemDrop, wasm.OpcodeMiscTableSize:
			return -1 // single immediate index, nothing to rewrite
		case wasm.OpcodeMiscMemoryFill, wasm.OpcodeMiscTableFill, wasm.OpcodeMiscTableGrow:
			return 1
		}
		return -1
	}
	return -1
}

func rewriteOffset(v, localBase uint32, remap map[uint32]uint32, delta uint32) uint32 {
	if v < localBase {
		if nv, ok := remap[v]; ok {
			return nv
		}
		return v
	}
	return v - delta
}
