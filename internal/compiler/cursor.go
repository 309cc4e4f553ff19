package compiler

import (
	"io"

	"github.com/wazc-project/wazc/internal/leb128"
	wasm "github.com/wazc-project/wazc/internal/wasm"
)

// bodyCursor walks a wasm.Code.Body byte slice with an explicit position,
// supporting the one-byte/LEB128 look-ahead the destination-forwarding
// peephole (§4.6 (a)) needs without consuming input.
type bodyCursor struct {
	body []byte
	pos  int
}

func (c *bodyCursor) done() bool { return c.pos >= len(c.body) }

func (c *bodyCursor) readByte() (byte, error) {
	if c.pos >= len(c.body) {
		return 0, io.ErrUnexpectedEOF
	}
	b := c.body[c.pos]
	c.pos++
	return b, nil
}

func (c *bodyCursor) peekByte() (byte, bool) {
	if c.pos >= len(c.body) {
		return 0, false
	}
	return c.body[c.pos], true
}

func (c *bodyCursor) readU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(c.body[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *bodyCursor) readU64() (uint64, error) {
	v, n, err := leb128.LoadUint64(c.body[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *bodyCursor) readI32() (int32, error) {
	v, n, err := leb128.LoadInt32(c.body[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *bodyCursor) readI64() (int64, error) {
	v, n, err := leb128.LoadInt64(c.body[c.pos:])
	if err != nil {
		return 0, err
	}
	c.pos += int(n)
	return v, nil
}

func (c *bodyCursor) readF32Bits() (uint32, error) {
	if c.pos+4 > len(c.body) {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint32(c.body[c.pos]) | uint32(c.body[c.pos+1])<<8 | uint32(c.body[c.pos+2])<<16 | uint32(c.body[c.pos+3])<<24
	c.pos += 4
	return v, nil
}

func (c *bodyCursor) readF64Bits() (uint64, error) {
	if c.pos+8 > len(c.body) {
		return 0, io.ErrUnexpectedEOF
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(c.body[c.pos+i]) << (8 * i)
	}
	c.pos += 8
	return v, nil
}

// readBlockType decodes the multi-value blocktype encoding (empty, a single
// value type, or a signed LEB128 type-section index) without needing the
// binary decoder, since the Emitter walks Code.Body directly.
func (c *bodyCursor) readBlockType() (wasm.BlockType, error) {
	v, n, err := leb128.LoadVarInt33(c.body[c.pos:])
	if err != nil {
		return wasm.BlockType{}, err
	}
	c.pos += int(n)
	if v == -64 {
		return wasm.BlockType{Empty: true}, nil
	}
	if v < 0 {
		switch wasm.ValueType(v & 0x7f) {
		case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64,
			wasm.ValueTypeV128, wasm.ValueTypeFuncRef, wasm.ValueTypeExternRef:
			return wasm.BlockType{ValueType: wasm.ValueType(v & 0x7f)}, nil
		}
		return wasm.BlockType{}, wasm.ErrStackTypeMismatch
	}
	return wasm.BlockType{TypeIndex: wasm.Index(v), HasTypeIndex: true}, nil
}

// tryLookaheadLocalSet peeks (without consuming) whether the next
// instruction is `local.set <idx>`, returning the local index and the
// number of bytes it occupies (opcode + LEB128 index) if so.
func (c *bodyCursor) tryLookaheadLocalSet() (idx wasm.Index, byteLen int, ok bool) {
	op, present := c.peekByte()
	if !present || op != wasm.OpcodeLocalSet {
		return 0, 0, false
	}
	v, n, err := leb128.LoadUint32(c.body[c.pos+1:])
	if err != nil {
		return 0, 0, false
	}
	return v, 1 + int(n), true
}
