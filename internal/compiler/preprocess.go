package compiler

import (
	"sort"

	"github.com/willf/bitset"
	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// localInterval is one {start, end} usage window for a local, opened on
// every local.get of that local and closed by
// the Local-Slot Allocator once emission is complete; the preprocess pass
// only needs to know whether a write occurred within it and where reads
// without a preceding write happened.
type localInterval struct {
	Start, End int
	HasWrite   bool
}

// loopSpan is one currently-open loop, tracked so a backward branch into it
// can widen every local's interval that was already touched this iteration
// out to the loop's end -- §4.7 Step 2's "reachability extension". Without
// this, a local read early in a loop body and a local written later in the
// same body would look like two disjoint, non-overlapping intervals per
// iteration even though the back-edge makes them concurrently live.
type loopSpan struct {
	start   int // source position of the `loop` opcode itself
	pending *bitset.BitSet
}

// localUsage is the first-pass accumulator for a single local.
type localUsage struct {
	Intervals        []localInterval
	DefinitiveWrites []int
	NeedsInit        bool
}

func (u *localUsage) openInterval(pos int) {
	u.Intervals = append(u.Intervals, localInterval{Start: pos, End: pos})
}

// constKey identifies a constant by bit-exact value, per the "equality uses
// bit-exact value comparison (including NaN payloads)" invariant: floats are
// compared by their raw bits, not by ==.
type constKey struct {
	Kind   wasm.ValueType
	Lo, Hi uint64
}

type constRecord struct {
	Key     constKey
	Count   int
	First   int    // insertion sequence, used to break Count ties deterministically
	Offset  uint32 // assigned once retained; meaningless until then
	HasSlot bool
}

// preprocessCollector is the Preprocess Collector: it runs the same walk as
// the Emitter's first pass, discarding emitted bytes, to learn which locals
// need explicit zero-init and which constants are frequent enough to retain
// in the function's prelude.
type preprocessCollector struct {
	locals []localUsage

	// writesSinceBranch tracks, per local index, whether a write happened
	// since the last branch was seen in the enclosing block; cleared (not
	// reallocated) on every branching opcode so the collector does not
	// pay an allocation per branch in hot loops.
	writesSinceBranch *bitset.BitSet

	constFreq   map[constKey]*constRecord
	maxRetained int

	// nextSeq assigns each newly observed constant its insertion order, so
	// rankedConstants can break a Count tie deterministically instead of
	// falling through to Go's randomized map iteration order.
	nextSeq int

	// loops is the stack of currently-open loop blocks, innermost last,
	// used by onLoopBackEdge/onLoopEnd to implement the reachability
	// extension across back-edges (§4.7 Step 2).
	loops []*loopSpan

	numLocals int
}

func newPreprocessCollector(numLocals int, maxRetained int) *preprocessCollector {
	return &preprocessCollector{
		locals:            make([]localUsage, numLocals),
		writesSinceBranch: bitset.New(uint(numLocals)),
		constFreq:         make(map[constKey]*constRecord),
		maxRetained:       maxRetained,
		numLocals:         numLocals,
	}
}

// onLocalGet records a read at pos. A local read with no definitive write
// before pos and no write-since-last-branch is flagged needsInit.
func (c *preprocessCollector) onLocalGet(localIdx wasm.Index, pos int) {
	u := &c.locals[localIdx]
	u.openInterval(pos)
	if !c.writesSinceBranch.Test(uint(localIdx)) && !hasWriteBefore(u.DefinitiveWrites, pos) {
		u.NeedsInit = true
	}
}

// onLocalWrite records a local.set/local.tee at pos: every interval that
// starts at or before pos is marked has-write and extended to reach pos
// (a write opens no interval of its own), and pos is filed as definitive
// (no enclosing block has seen a branch yet) or merely since-last-branch.
func (c *preprocessCollector) onLocalWrite(localIdx wasm.Index, pos int, seenBranch bool) {
	u := &c.locals[localIdx]
	for i := range u.Intervals {
		iv := &u.Intervals[i]
		if iv.Start <= pos {
			iv.HasWrite = true
			if pos > iv.End {
				iv.End = pos
			}
		}
	}
	if !seenBranch {
		u.DefinitiveWrites = append(u.DefinitiveWrites, pos)
	}
	c.writesSinceBranch.Set(uint(localIdx))
}

// onBranch clears writes-since-last-branch for every local; the caller is
// responsible for marking the innermost block's SeenBranch (that lives on
// the block stack, which the collector does not own).
func (c *preprocessCollector) onBranch() {
	c.writesSinceBranch.ClearAll()
}

// onLoopStart opens a new loop span at pos (the `loop` opcode's own source
// position), pushed onto the loop stack so a later back-edge into it (or
// into an enclosing loop, once this one closes) can find it.
func (c *preprocessCollector) onLoopStart(pos int) {
	c.loops = append(c.loops, &loopSpan{start: pos, pending: bitset.New(uint(c.numLocals))})
}

// onLoopBackEdge records that a branch at pos targets the loop that started
// at loopStart: every local with an interval opened since the loop started
// is marked pending, so onLoopEnd can widen it to the loop's end once that
// position is known. The label graph walk §4.7 Step 2 describes reduces,
// for the common (and only reachable, in a structured-control-flow binary)
// backward-edge case, to exactly this: a loop's label is the sole jump
// target that can reach a position earlier than itself.
func (c *preprocessCollector) onLoopBackEdge(loopStart, pos int) {
	span := c.findLoop(loopStart)
	if span == nil {
		return
	}
	for idx := range c.locals {
		if hasIntervalSince(c.locals[idx].Intervals, loopStart) {
			span.pending.Set(uint(idx))
		}
	}
}

// onLoopEnd pops the loop that started at loopStart and, for every local a
// back-edge marked pending, extends its intervals opened inside the loop
// out to endPos -- the loop's `end`, i.e. Testable Property 8's
// "[p, end-of-B]" span.
func (c *preprocessCollector) onLoopEnd(loopStart, endPos int) {
	if len(c.loops) == 0 {
		return
	}
	top := c.loops[len(c.loops)-1]
	c.loops = c.loops[:len(c.loops)-1]
	if top.start != loopStart {
		return
	}
	for idx := range c.locals {
		if !top.pending.Test(uint(idx)) {
			continue
		}
		extendIntervalsSince(&c.locals[idx], loopStart, endPos)
	}
}

func (c *preprocessCollector) findLoop(start int) *loopSpan {
	for i := len(c.loops) - 1; i >= 0; i-- {
		if c.loops[i].start == start {
			return c.loops[i]
		}
	}
	return nil
}

func hasIntervalSince(intervals []localInterval, start int) bool {
	for _, iv := range intervals {
		if iv.Start >= start {
			return true
		}
	}
	return false
}

func extendIntervalsSince(u *localUsage, start, end int) {
	for i := range u.Intervals {
		iv := &u.Intervals[i]
		if iv.Start >= start && iv.End < end {
			iv.End = end
		}
	}
}

func hasWriteBefore(writes []int, pos int) bool {
	for _, w := range writes {
		if w < pos {
			return true
		}
	}
	return false
}

// onConstant records one observation of a constant appearing outside an
// initializer expression. When the live set exceeds K + K/4 entries it is
// immediately trimmed back to K by stable frequency, bounding memory use
// for modules with many distinct one-off constants.
func (c *preprocessCollector) onConstant(kind wasm.ValueType, lo, hi uint64) {
	key := constKey{Kind: kind, Lo: lo, Hi: hi}
	if rec, ok := c.constFreq[key]; ok {
		rec.Count++
		return
	}
	c.constFreq[key] = &constRecord{Key: key, Count: 1, First: c.nextSeq}
	c.nextSeq++
	if len(c.constFreq) > c.maxRetained+c.maxRetained/4 {
		c.trimConstants()
	}
}

func (c *preprocessCollector) trimConstants() {
	kept := c.rankedConstants()
	if len(kept) > c.maxRetained {
		kept = kept[:c.maxRetained]
	}
	fresh := make(map[constKey]*constRecord, len(kept))
	for _, r := range kept {
		fresh[r.Key] = r
	}
	c.constFreq = fresh
}

// rankedConstants sorts the live constant set by descending frequency,
// breaking ties by ascending insertion order so the result is deterministic
// across runs regardless of Go's randomized map iteration order.
func (c *preprocessCollector) rankedConstants() []*constRecord {
	out := make([]*constRecord, 0, len(c.constFreq))
	for _, r := range c.constFreq {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].First < out[j].First
	})
	return out
}

// retainedConstants returns the top-K constants that should receive prelude
// slots, per §4.5 step 1.
func (c *preprocessCollector) retainedConstants() []*constRecord {
	ranked := c.rankedConstants()
	if len(ranked) > c.maxRetained {
		ranked = ranked[:c.maxRetained]
	}
	return ranked
}
