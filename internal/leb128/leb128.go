// Package leb128 implements the unsigned and signed LEB128 variable-length
// integer encoding used throughout the WebAssembly binary format: section
// and vector sizes, indices, and the immediate operands of *.const
// instructions.
package leb128

import (
	"fmt"
	"io"
)

const (
	maxVarIntLen32 = 5  // ceil(32/7)
	maxVarIntLen33 = 5  // ceil(33/7)
	maxVarIntLen64 = 10 // ceil(64/7)
)

// LoadUint32 decodes an unsigned LEB128 uint32 directly from buf, returning
// the number of bytes consumed. Unlike the reader-based Decode variants, this
// reads a byte slice directly, never allocates, and is used on the hot path
// of LEB128 look-ahead during emission (the local.set forwarding peephole).
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	v, n, err := loadVarUint(buf, 32)
	return uint32(v), n, err
}

// LoadUint64 is LoadUint32 for the 64-bit range.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	return loadVarUint(buf, 64)
}

// LoadInt32 decodes a signed LEB128 int32 directly from buf.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	v, n, err := loadVarInt(buf, 32)
	return int32(v), n, err
}

// LoadInt64 decodes a signed LEB128 int64 directly from buf.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	return loadVarInt(buf, 64)
}

// LoadVarInt33 decodes a signed 33-bit LEB128 value directly from buf, as
// used by the binary format's blocktype encoding. It mirrors
// DecodeInt33AsInt64 but avoids an io.Reader for callers that already hold
// the whole function body in memory and need look-ahead without consuming.
func LoadVarInt33(buf []byte) (ret int64, bytesRead uint64, err error) {
	const (
		valueMask    = (1 << 33) - 1
		signBit      = int64(1) << 32
		signBitValue = valueMask + 1
	)
	v, n, err := loadVarInt(buf, 33)
	if err != nil {
		return 0, 0, err
	}
	v &= valueMask
	if v&signBit != 0 {
		v -= signBitValue
	}
	return v, n, nil
}

func loadVarUint(buf []byte, size int) (ret uint64, bytesRead uint64, err error) {
	maxLen := (size + 6) / 7
	for i := 0; ; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("unexpected EOF decoding uint%d", size)
		}
		if i >= maxLen {
			return 0, 0, fmt.Errorf("uint%d: overflow: too many bytes", size)
		}
		b := buf[i]
		shift := uint(i * 7)
		payload := uint64(b & 0x7f)
		if remaining := size - int(shift); remaining < 7 {
			if payload>>uint(remaining) != 0 {
				return 0, 0, fmt.Errorf("uint%d: overflow", size)
			}
		}
		ret |= payload << shift
		bytesRead = uint64(i + 1)
		if b&0x80 == 0 {
			return ret, bytesRead, nil
		}
	}
}

func loadVarInt(buf []byte, size int) (ret int64, bytesRead uint64, err error) {
	maxLen := (size + 6) / 7
	var shift uint
	var b byte
	for i := 0; ; i++ {
		if i >= len(buf) {
			return 0, 0, fmt.Errorf("unexpected EOF decoding int%d", size)
		}
		if i >= maxLen {
			return 0, 0, fmt.Errorf("int%d: overflow: too many bytes", size)
		}
		b = buf[i]
		shift = uint(i * 7)
		payload := int64(b & 0x7f)
		if remaining := size - int(shift); remaining < 7 {
			upper := payload >> uint(remaining)
			signBit := (payload >> uint(remaining-1)) & 1
			var wantUpper int64
			if signBit != 0 {
				wantUpper = (1 << uint(7-remaining)) - 1
			}
			if upper != wantUpper {
				return 0, 0, fmt.Errorf("int%d: overflow", size)
			}
		}
		ret |= payload << shift
		bytesRead = uint64(i + 1)
		if b&0x80 == 0 {
			break
		}
	}
	if shift+7 < 64 && b&0x40 != 0 {
		ret |= -1 << (shift + 7)
	}
	return ret, bytesRead, nil
}

// EncodeUint32 returns the unsigned LEB128 encoding of v.
func EncodeUint32(v uint32) []byte { return encodeVarUint(uint64(v)) }

// EncodeUint64 returns the unsigned LEB128 encoding of v.
func EncodeUint64(v uint64) []byte { return encodeVarUint(v) }

func encodeVarUint(v uint64) []byte {
	out := make([]byte, 0, 5)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

// EncodeInt32 returns the signed LEB128 encoding of v.
func EncodeInt32(v int32) []byte { return encodeVarInt(int64(v)) }

// EncodeInt64 returns the signed LEB128 encoding of v.
func EncodeInt64(v int64) []byte { return encodeVarInt(v) }

func encodeVarInt(v int64) []byte {
	out := make([]byte, 0, 10)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		done := (v == 0 && !signBitSet) || (v == -1 && signBitSet)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

// The Decode* functions below read one byte at a time from an io.Reader; the
// binary decoder uses these while streaming a section so it never has to
// buffer a whole section up front.

// DecodeUint32 decodes an unsigned LEB128 uint32 from r.
func DecodeUint32(r io.Reader) (ret uint32, bytesRead uint64, err error) {
	const mask, mask2 = uint32(1) << 7, ^(uint32(1) << 7)
	for shift := 0; shift < 35; shift += 7 {
		b, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		ret |= (uint32(b) & mask2) << shift
		if uint32(b)&mask == 0 {
			break
		}
	}
	return
}

// DecodeUint64 decodes an unsigned LEB128 uint64 from r.
func DecodeUint64(r io.Reader) (ret uint64, bytesRead uint64, err error) {
	const mask, mask2 = uint64(1) << 7, ^(uint64(1) << 7)
	for shift := 0; shift < 70; shift += 7 {
		b, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		bytesRead++
		ret |= (uint64(b) & mask2) << shift
		if uint64(b)&mask == 0 {
			break
		}
	}
	return
}

// DecodeInt32 decodes a signed LEB128 int32 from r.
func DecodeInt32(r io.Reader) (ret int32, bytesRead uint64, err error) {
	const mask, mask2, signMask int32 = 1 << 7, ^(int32(1) << 7), 1 << 6
	var shift int
	var b int32
	for shift < 35 {
		bb, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		b = int32(bb)
		bytesRead++
		ret |= (b & mask2) << shift
		shift += 7
		if b&mask == 0 {
			break
		}
	}
	if shift < 32 && (b&signMask) == signMask {
		ret |= ^0 << shift
	}
	return
}

// DecodeInt64 decodes a signed LEB128 int64 from r.
func DecodeInt64(r io.Reader) (ret int64, bytesRead uint64, err error) {
	const mask, mask2, signMask int64 = 1 << 7, ^(int64(1) << 7), 1 << 6
	var shift int
	var b int64
	for shift < 64 {
		bb, err := readByte(r)
		if err != nil {
			return 0, 0, fmt.Errorf("readByte failed: %w", err)
		}
		b = int64(bb)
		bytesRead++
		ret |= (b & mask2) << shift
		shift += 7
		if b&mask == 0 {
			break
		}
	}
	if shift < 64 && (b&signMask) == signMask {
		ret |= ^0 << shift
	}
	return
}

// DecodeInt33AsInt64 decodes a signed 33-bit LEB128 value from r, as used by
// the binary format's blocktype encoding (where non-negative values are a
// type-section index and negative ones select a single-value or empty
// block signature).
func DecodeInt33AsInt64(r io.Reader) (ret int64, bytesRead uint64, err error) {
	const (
		mask3       int64 = 1 << 7
		mask4             = ^mask3
		mask5             = 1 << 6
		valueMask         = (1 << 33) - 1
		signBit           = int64(1) << 32
		signBitValue      = valueMask + 1
	)
	var shift int
	var b int64
	for shift < 35 {
		bb, err := readByte(r)
		if err != nil {
			return 0, 0, err
		}
		b = int64(bb)
		bytesRead++
		ret |= (b & mask4) << shift
		shift += 7
		if b&mask3 == 0 {
			break
		}
	}
	if shift < 33 && (b&mask5) == mask5 {
		ret |= valueMask << shift
	}
	ret &= valueMask
	if ret&signBit != 0 {
		ret -= signBitValue
	}
	return ret, bytesRead, nil
}

func readByte(r io.Reader) (byte, error) {
	if br, ok := r.(io.ByteReader); ok {
		return br.ReadByte()
	}
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}
