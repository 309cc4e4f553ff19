package compiler

import (
	"testing"

	wasm "github.com/wazc-project/wazc/internal/wasm"
)

func TestBlockStackPushPopIsStrictLIFO(t *testing.T) {
	s := &blockStack{}
	outer := &blockRecord{Kind: blockKindBlock}
	inner := &blockRecord{Kind: blockKindLoop}
	s.push(outer)
	s.push(inner)

	if s.depth() != 2 {
		t.Fatalf("expected depth 2, got %d", s.depth())
	}
	got, err := s.pop()
	if err != nil || got != inner {
		t.Fatalf("expected to pop the innermost (loop) block first, got %+v, %v", got, err)
	}
	got, err = s.pop()
	if err != nil || got != outer {
		t.Fatalf("expected to pop the outer block second, got %+v, %v", got, err)
	}
	if s.depth() != 0 {
		t.Fatalf("expected empty stack, got depth %d", s.depth())
	}
}

func TestBlockStackPopTopAtOnEmptyStack(t *testing.T) {
	s := &blockStack{}
	if _, err := s.pop(); err != ErrUnbalancedBlockEnd {
		t.Fatalf("expected ErrUnbalancedBlockEnd from pop, got %v", err)
	}
	if _, err := s.top(); err != ErrUnbalancedBlockEnd {
		t.Fatalf("expected ErrUnbalancedBlockEnd from top, got %v", err)
	}
	if _, err := s.at(0); err != ErrUnbalancedBlockEnd {
		t.Fatalf("expected ErrUnbalancedBlockEnd from at(0), got %v", err)
	}
}

func TestBlockStackAtRelativeDepth(t *testing.T) {
	s := &blockStack{}
	root := &blockRecord{Kind: blockKindBlock, IsFunctionRoot: true}
	outer := &blockRecord{Kind: blockKindBlock}
	inner := &blockRecord{Kind: blockKindLoop}
	s.push(root)
	s.push(outer)
	s.push(inner)

	if got, err := s.at(0); err != nil || got != inner {
		t.Fatalf("depth 0 should be the innermost block, got %+v, %v", got, err)
	}
	if got, err := s.at(1); err != nil || got != outer {
		t.Fatalf("depth 1 should be the middle block, got %+v, %v", got, err)
	}
	if got, err := s.at(2); err != nil || got != root {
		t.Fatalf("depth 2 should reach the implicit function-root block, got %+v, %v", got, err)
	}
	if _, err := s.at(3); err != ErrUnbalancedBlockEnd {
		t.Fatalf("depth past the function root should error, got %v", err)
	}
}

func TestBlockStackInnermostTry(t *testing.T) {
	s := &blockStack{}
	if _, ok := s.innermostTry(); ok {
		t.Fatal("expected no enclosing try on an empty stack")
	}

	tryBlk := &blockRecord{Kind: blockKindTry}
	s.push(tryBlk)
	s.push(&blockRecord{Kind: blockKindBlock})

	got, ok := s.innermostTry()
	if !ok || got != tryBlk {
		t.Fatalf("expected innermostTry to find the try block through a nested plain block, got %+v, %v", got, ok)
	}
}

func TestBlockStackMarkSeenBranchFlagsOnlyTheInnermostBlock(t *testing.T) {
	s := &blockStack{}
	outer := &blockRecord{Kind: blockKindBlock}
	inner := &blockRecord{Kind: blockKindBlock}
	s.push(outer)
	s.push(inner)

	s.markSeenBranch()
	if !inner.SeenBranch {
		t.Fatal("expected the innermost block to be flagged")
	}
	if outer.SeenBranch {
		t.Fatal("did not expect the outer block to be flagged")
	}
}

func TestBlockRecordResultKindsFunctionRoot(t *testing.T) {
	b := &blockRecord{IsFunctionRoot: true, RootResults: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI64}}
	got := b.resultKinds(nil)
	if len(got) != 2 || got[0] != wasm.ValueTypeI32 || got[1] != wasm.ValueTypeI64 {
		t.Fatalf("expected the function root's result kinds to come straight from RootResults, got %v", got)
	}
}

func TestBlockRecordResultKindsEmptyAndSingleValue(t *testing.T) {
	empty := &blockRecord{ResultType: wasm.BlockType{Empty: true}}
	if got := empty.resultKinds(nil); got != nil {
		t.Fatalf("expected an empty block type to have no results, got %v", got)
	}

	single := &blockRecord{ResultType: wasm.BlockType{ValueType: wasm.ValueTypeF64}}
	got := single.resultKinds(nil)
	if len(got) != 1 || got[0] != wasm.ValueTypeF64 {
		t.Fatalf("expected a single-value block type to report one result, got %v", got)
	}
}

func TestBlockRecordResultKindsTypeIndexLookup(t *testing.T) {
	types := []*wasm.FunctionType{
		{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeF32}},
	}
	b := &blockRecord{ResultType: wasm.BlockType{HasTypeIndex: true, TypeIndex: 0}}
	got := b.resultKinds(types)
	if len(got) != 2 || got[0] != wasm.ValueTypeI64 || got[1] != wasm.ValueTypeF32 {
		t.Fatalf("expected a multi-value block type to resolve through the type section, got %v", got)
	}

	params := b.paramKinds(types)
	if len(params) != 1 || params[0] != wasm.ValueTypeI32 {
		t.Fatalf("expected paramKinds to resolve the loop's back-edge argument types, got %v", params)
	}
}
