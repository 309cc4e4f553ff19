package compiler

import wasm "github.com/wazc-project/wazc/internal/wasm"

// constantPool is the Constant Pool: the top-K retained constants (by
// descending frequency, see preprocessCollector.retainedConstants) each
// assigned a fixed slot past the parameter+local area, plus the prelude
// bytecode that materializes them once per call.
type constantPool struct {
	records []*constRecord
	index   map[constKey]*constRecord
}

func newConstantPool(retained []*constRecord) *constantPool {
	p := &constantPool{records: retained, index: make(map[constKey]*constRecord, len(retained))}
	for _, r := range retained {
		p.index[r.Key] = r
	}
	return p
}

// lookup reports whether key is a retained constant and, if so, its
// assigned slot (valid only after assignSlots has run).
func (p *constantPool) lookup(key constKey) (uint32, bool) {
	r, ok := p.index[key]
	if !ok || !r.HasSlot {
		return 0, false
	}
	return r.Offset, true
}

// assignSlots places each retained constant at a fixed offset starting at
// startOffset (immediately past the parameter+local area) and returns the
// offset immediately past the last slot, i.e. the initial stack size for
// the emit pass.
func (p *constantPool) assignSlots(startOffset uint32) uint32 {
	off := startOffset
	for _, r := range p.records {
		r.Offset = off
		r.HasSlot = true
		off += uint32(wasm.ValueTypeSize(r.Key.Kind))
	}
	return off
}

// emitPrelude appends one const32/const64/const128 record per retained
// constant, in rank order, so each is materialized exactly once per call.
func (p *constantPool) emitPrelude(buf *Buffer) {
	for _, r := range p.records {
		switch wasm.ValueTypeSize(r.Key.Kind) {
		case 4:
			buf.AppendFixed(RecordConst32, constWasmOpcode(r.Key.Kind), uint32(r.Key.Lo), noOffset, noOffset, r.Offset)
		case 8:
			buf.AppendFixed(RecordConst64, constWasmOpcode(r.Key.Kind), uint32(r.Key.Lo), uint32(r.Key.Lo>>32), noOffset, r.Offset)
		case 16:
			buf.AppendFixed(RecordConst128, constWasmOpcode(r.Key.Kind), uint32(r.Key.Lo), uint32(r.Key.Lo>>32), uint32(r.Key.Hi), r.Offset)
		}
	}
}

func constWasmOpcode(kind wasm.ValueType) byte {
	switch kind {
	case wasm.ValueTypeI32:
		return wasm.OpcodeI32Const
	case wasm.ValueTypeI64:
		return wasm.OpcodeI64Const
	case wasm.ValueTypeF32:
		return wasm.OpcodeF32Const
	case wasm.ValueTypeF64:
		return wasm.OpcodeF64Const
	default:
		return wasm.OpcodeI64Const // v128 constants reuse the 64-bit-pair tag; distinguished by record width.
	}
}
