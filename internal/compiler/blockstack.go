package compiler

import wasm "github.com/wazc-project/wazc/internal/wasm"

type blockKind byte

const (
	blockKindBlock blockKind = iota
	blockKindLoop
	blockKindIf
	blockKindTry
)

type fixupKind byte

const (
	fixupJump fixupKind = iota
	fixupJumpCond
	fixupBrTableEntry
)

// fixup is a deferred patch of a relative-jump field in an already-emitted
// record: rather than relocating later, the site is recorded now and
// patched once the block's end position is known.
type fixup struct {
	Kind fixupKind
	Pos  int // byte position of the record (jump/conditional-jump)
	// TailIndex selects which br_table tail entry to patch; unused for
	// Jump/JumpCond fixups.
	TailIndex int
}

// catchRecord accumulates against the innermost try block and is harvested
// into the module function's try/catch table at that block's end.
type catchRecord struct {
	TagIndex    wasm.Index
	IsCatchAll  bool
	CatchPos    int
	StackToDrop uint32
}

// blockRecord is a single nested control-structure entry: block, loop, if or
// try.
type blockRecord struct {
	Kind       blockKind
	ResultType wasm.BlockType

	// EntryPos is the byte-code position where this block began; for a
	// loop this also doubles as the back-edge jump target.
	EntryPos int

	// SourceStart is the wasm-body source position of the opcode that
	// opened this block (as opposed to EntryPos's bytecode position). Only
	// loop blocks use it, to key the Preprocess Collector's loop-span stack
	// for the reachability extension (§4.7 Step 2).
	SourceStart int

	// Snapshot is a value copy of the stack at block entry -- never a
	// reference, so restoring never aliases the live stack.
	Snapshot  stackSnapshot
	SavedSize uint32

	ShouldRestoreStackAtEnd bool
	ByteCodeStopped         bool
	SeenBranch              bool

	Fixups []fixup

	// IfJumpFixupPos is the position of the `if`'s conditional jump record,
	// patched by the matching `else` (or by `end` when there is none).
	IfJumpFixupPos int
	HasIfJumpFixup bool

	// TryRangeStart/CatchRecords are used only for try blocks.
	TryRangeStart int
	CatchRecords  []catchRecord

	// IsFunctionRoot marks the single implicit block pushed under every
	// other block to represent the function body itself: per the core
	// spec, a function's instruction sequence is its own enclosing block,
	// so branching to the deepest valid label is equivalent to a return.
	// Its result kinds come directly from the function signature rather
	// than a block-type lookup, since they may not match any single
	// TypeSection entry's arity conventions.
	IsFunctionRoot bool
	RootResults    []wasm.ValueType
}

// resultKinds returns the value kinds a block with this ResultType leaves on
// the stack, looking up a multi-value signature in the module's type
// section when necessary.
func (b *blockRecord) resultKinds(types []*wasm.FunctionType) []wasm.ValueType {
	if b.IsFunctionRoot {
		return b.RootResults
	}
	if b.ResultType.Empty {
		return nil
	}
	if b.ResultType.HasTypeIndex {
		if int(b.ResultType.TypeIndex) < len(types) {
			return types[b.ResultType.TypeIndex].Results
		}
		return nil
	}
	return []wasm.ValueType{b.ResultType.ValueType}
}

// paramKinds returns the value kinds a loop's back-edge branch must supply,
// i.e. the block's declared parameters (only meaningful for multi-value
// block signatures).
func (b *blockRecord) paramKinds(types []*wasm.FunctionType) []wasm.ValueType {
	if b.ResultType.HasTypeIndex && int(b.ResultType.TypeIndex) < len(types) {
		return types[b.ResultType.TypeIndex].Params
	}
	return nil
}

// blockStack is the Block Stack: a strict LIFO of nested control-structure
// records. `end` pops exactly one.
type blockStack struct {
	blocks []*blockRecord
}

func (s *blockStack) push(b *blockRecord) { s.blocks = append(s.blocks, b) }

func (s *blockStack) pop() (*blockRecord, error) {
	if len(s.blocks) == 0 {
		return nil, ErrUnbalancedBlockEnd
	}
	top := s.blocks[len(s.blocks)-1]
	s.blocks = s.blocks[:len(s.blocks)-1]
	return top, nil
}

func (s *blockStack) top() (*blockRecord, error) {
	if len(s.blocks) == 0 {
		return nil, ErrUnbalancedBlockEnd
	}
	return s.blocks[len(s.blocks)-1], nil
}

// at returns the block `depth` levels from the top (0 is the innermost),
// as used by br/br_if/br_table's relative depth immediate.
func (s *blockStack) at(depth uint32) (*blockRecord, error) {
	idx := len(s.blocks) - 1 - int(depth)
	if idx < 0 || idx >= len(s.blocks) {
		return nil, ErrUnbalancedBlockEnd
	}
	return s.blocks[idx], nil
}

func (s *blockStack) depth() int { return len(s.blocks) }

// markSeenBranch flags the innermost block as having observed a branch and,
// per §4.4, clears every local's writes-since-last-branch (done by the
// caller via the preprocess/emit state, not here, since the block stack has
// no knowledge of locals).
func (s *blockStack) markSeenBranch() {
	if len(s.blocks) == 0 {
		return
	}
	s.blocks[len(s.blocks)-1].SeenBranch = true
}

// innermostTry returns the nearest enclosing try block, used to attach a
// catch/catch_all record.
func (s *blockStack) innermostTry() (*blockRecord, bool) {
	for i := len(s.blocks) - 1; i >= 0; i-- {
		if s.blocks[i].Kind == blockKindTry {
			return s.blocks[i], true
		}
	}
	return nil, false
}
