package compiler

import wasm "github.com/wazc-project/wazc/internal/wasm"

// stackEntry is one shadow-stack slot: the compile-time mirror of a single
// value the runtime's operand stack will hold.
//
// CanonicalOffset is the offset this entry would occupy under pure
// stack-push semantics; CurrentOffset may instead equal a local's home slot
// (direct local reference, peephole b) or a constant's prelude slot
// (constant-pool dedup). LocalIndex is set when this entry was produced by
// local.get and is still eligible to be served without a move.
type stackEntry struct {
	Kind            wasm.ValueType
	CurrentOffset   uint32
	CanonicalOffset uint32
	HasLocalIndex   bool
	LocalIndex      wasm.Index
}

// valueStack is the Value-Stack Tracker: the compile-time shadow of the
// interpreter's per-function operand stack.
type valueStack struct {
	entries  []stackEntry
	size     uint32 // running stack size in bytes
	watermark uint32
}

// stackSnapshot is a Block record's saved copy of the stack at block entry.
// It is a value, not a pointer, per the "cyclic coupling...resolved by
// snapshots" design note: restoring never aliases the live stack.
type stackSnapshot struct {
	entries []stackEntry
	size    uint32
}

func (s *valueStack) snapshot() stackSnapshot {
	cp := make([]stackEntry, len(s.entries))
	copy(cp, s.entries)
	return stackSnapshot{entries: cp, size: s.size}
}

func (s *valueStack) restore(snap stackSnapshot) {
	s.entries = append(s.entries[:0], snap.entries...)
	s.size = snap.size
}

// push appends a fresh entry whose canonical and current offsets both equal
// the current stack top, and returns that offset.
func (s *valueStack) push(kind wasm.ValueType) uint32 {
	off := s.size
	s.entries = append(s.entries, stackEntry{Kind: kind, CurrentOffset: off, CanonicalOffset: off})
	s.size += uint32(wasm.ValueTypeSize(kind))
	if s.size > s.watermark {
		s.watermark = s.size
	}
	return off
}

// pushAt appends an entry whose CurrentOffset is some other location (a
// local's home slot or a constant's slot); the canonical offset still
// advances by the kind's width so later canonical positions stay
// contiguous.
func (s *valueStack) pushAt(kind wasm.ValueType, currentOffset uint32, localIdx wasm.Index, hasLocal bool) uint32 {
	canon := s.size
	s.entries = append(s.entries, stackEntry{
		Kind: kind, CurrentOffset: currentOffset, CanonicalOffset: canon,
		HasLocalIndex: hasLocal, LocalIndex: localIdx,
	})
	s.size += uint32(wasm.ValueTypeSize(kind))
	if s.size > s.watermark {
		s.watermark = s.size
	}
	return currentOffset
}

// pop removes and returns the top entry. err is ErrStackUnderflow if the
// stack was empty.
func (s *valueStack) pop() (stackEntry, error) {
	if len(s.entries) == 0 {
		return stackEntry{}, ErrStackUnderflow
	}
	top := s.entries[len(s.entries)-1]
	s.entries = s.entries[:len(s.entries)-1]
	s.size -= uint32(wasm.ValueTypeSize(top.Kind))
	return top, nil
}

// popExpect pops and checks the popped kind matches want.
func (s *valueStack) popExpect(want wasm.ValueType) (stackEntry, error) {
	e, err := s.pop()
	if err != nil {
		return e, err
	}
	if e.Kind != want {
		return e, ErrStackTypeMismatch
	}
	return e, nil
}

// peek returns the top entry without removing it.
func (s *valueStack) peek() (stackEntry, error) {
	if len(s.entries) == 0 {
		return stackEntry{}, ErrStackUnderflow
	}
	return s.entries[len(s.entries)-1], nil
}

// peekN returns the entry n from the top (0 is the top itself).
func (s *valueStack) peekN(n int) (stackEntry, error) {
	if n >= len(s.entries) {
		return stackEntry{}, ErrStackUnderflow
	}
	return s.entries[len(s.entries)-1-n], nil
}

func (s *valueStack) depth() int { return len(s.entries) }
