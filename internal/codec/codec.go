// Package codec centralizes the byte-order, word-swap, and sign rules for
// packing and unpacking register values. Every other subsystem remains
// protocol-agnostic by never making its own layout decisions.
package codec

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrBadFormat is returned when a byte slice does not match the length
// implied by a decode code's register count.
var ErrBadFormat = errors.New("codec: byte length does not match register count")

// ErrUnknownCode is returned when a decode code has no table entry.
var ErrUnknownCode = errors.New("codec: unknown decode code")

// Endian selects the byte order applied within each 16-bit word.
type Endian uint8

const (
	BigEndian Endian = iota
	LittleEndian
)

// WordSwap selects whether 16-bit words are exchanged in pairs after the
// per-byte endianness has been applied.
type WordSwap uint8

const (
	NoSwap WordSwap = iota
	PairwiseSwap
)

// Entry fixes the wire layout for one 8-bit decode code.
type Entry struct {
	RegisterCount int // 1, 2 or 4 (16/32/64-bit)
	Signed        bool
	Float         bool
	Endian        Endian
	WordSwap      WordSwap
}

// ByteLen returns the number of bytes this entry occupies on the wire.
func (e Entry) ByteLen() int {
	return e.RegisterCount * 2
}

// table is the immutable, process-wide decode-code table. It is populated
// once at init and never mutated afterwards, so it needs no lock.
var table = map[byte]Entry{
	0x01: {RegisterCount: 1, Signed: false, Endian: BigEndian},
	0x02: {RegisterCount: 1, Signed: true, Endian: BigEndian},
	0x11: {RegisterCount: 1, Signed: false, Endian: LittleEndian},
	0x12: {RegisterCount: 1, Signed: true, Endian: LittleEndian},
	0x31: {RegisterCount: 2, Signed: false, Endian: BigEndian},
	0x32: {RegisterCount: 2, Signed: true, Endian: BigEndian},
	0x33: {RegisterCount: 2, Signed: false, Endian: BigEndian, WordSwap: PairwiseSwap},
	0x34: {RegisterCount: 2, Signed: true, Endian: BigEndian, WordSwap: PairwiseSwap},
	0x41: {RegisterCount: 2, Signed: true, Endian: LittleEndian},
	0x42: {RegisterCount: 2, Float: true, Endian: BigEndian},
	0x43: {RegisterCount: 2, Float: true, Endian: BigEndian, WordSwap: PairwiseSwap},
	0x44: {RegisterCount: 2, Float: true, Endian: LittleEndian},
	0x61: {RegisterCount: 4, Signed: false, Endian: BigEndian},
	0x62: {RegisterCount: 4, Signed: true, Endian: BigEndian},
	0x63: {RegisterCount: 4, Signed: false, Endian: BigEndian, WordSwap: PairwiseSwap},
	0x64: {RegisterCount: 4, Float: true, Endian: BigEndian},
}

// Lookup returns the table entry for decode. The boolean result reports
// whether the code is known.
func Lookup(decode byte) (Entry, bool) {
	e, ok := table[decode]
	return e, ok
}

// RegisterCount returns the register count for decode, or an error if
// decode is not a known decode code.
func RegisterCount(decode byte) (int, error) {
	e, ok := table[decode]
	if !ok {
		return 0, ErrUnknownCode
	}
	return e.RegisterCount, nil
}

// swapWords reinterprets buf, already in the entry's native byte order, as
// register-count 16-bit words and applies pairwise word-swap in place.
func (e Entry) swapWords(buf []byte) {
	if e.WordSwap != PairwiseSwap {
		return
	}
	for i := 0; i+3 < len(buf); i += 4 {
		buf[i], buf[i+2] = buf[i+2], buf[i]
		buf[i+1], buf[i+3] = buf[i+3], buf[i+1]
	}
}

func order(e Entry) binary.ByteOrder {
	if e.Endian == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Pack encodes value into a byte slice of length RegisterCount*2 under the
// layout rules of decode. value must be an int64 for integer entries or a
// float64 for float entries.
func Pack(decode byte, value interface{}) ([]byte, error) {
	e, ok := table[decode]
	if !ok {
		return nil, ErrUnknownCode
	}
	buf := make([]byte, e.ByteLen())
	bo := order(e)
	switch e.RegisterCount {
	case 1:
		v, err := toUint16(e, value)
		if err != nil {
			return nil, err
		}
		bo.PutUint16(buf, v)
	case 2:
		if e.Float {
			f, ok := value.(float64)
			if !ok {
				return nil, ErrBadFormat
			}
			bo.PutUint32(buf, math.Float32bits(float32(f)))
		} else {
			v, err := toUint32(e, value)
			if err != nil {
				return nil, err
			}
			bo.PutUint32(buf, v)
		}
	case 4:
		if e.Float {
			f, ok := value.(float64)
			if !ok {
				return nil, ErrBadFormat
			}
			bo.PutUint64(buf, math.Float64bits(f))
		} else {
			v, err := toUint64(e, value)
			if err != nil {
				return nil, err
			}
			bo.PutUint64(buf, v)
		}
	default:
		return nil, ErrBadFormat
	}
	e.swapWords(buf)
	return buf, nil
}

// Unpack is the inverse of Pack. It returns an int64 for integer entries or
// a float64 for float entries.
func Unpack(decode byte, raw []byte) (interface{}, error) {
	e, ok := table[decode]
	if !ok {
		return nil, ErrUnknownCode
	}
	if len(raw) != e.ByteLen() {
		return nil, ErrBadFormat
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	e.swapWords(buf)
	bo := order(e)
	switch e.RegisterCount {
	case 1:
		v := bo.Uint16(buf)
		if e.Signed {
			return int64(int16(v)), nil
		}
		return int64(v), nil
	case 2:
		if e.Float {
			return float64(math.Float32frombits(bo.Uint32(buf))), nil
		}
		v := bo.Uint32(buf)
		if e.Signed {
			return int64(int32(v)), nil
		}
		return int64(v), nil
	case 4:
		if e.Float {
			return math.Float64frombits(bo.Uint64(buf)), nil
		}
		v := bo.Uint64(buf)
		if e.Signed {
			return int64(v), nil
		}
		return int64(v), nil
	}
	return nil, ErrBadFormat
}

func toUint16(e Entry, value interface{}) (uint16, error) {
	i, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	if e.Signed {
		if i < math.MinInt16 || i > math.MaxInt16 {
			return 0, ErrBadFormat
		}
		return uint16(int16(i)), nil
	}
	if i < 0 || i > math.MaxUint16 {
		return 0, ErrBadFormat
	}
	return uint16(i), nil
}

func toUint32(e Entry, value interface{}) (uint32, error) {
	i, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	if e.Signed {
		if i < math.MinInt32 || i > math.MaxInt32 {
			return 0, ErrBadFormat
		}
		return uint32(int32(i)), nil
	}
	if i < 0 || i > math.MaxUint32 {
		return 0, ErrBadFormat
	}
	return uint32(i), nil
}

func toUint64(e Entry, value interface{}) (uint64, error) {
	i, err := toInt64(value)
	if err != nil {
		return 0, err
	}
	if e.Signed {
		return uint64(i), nil
	}
	if i < 0 {
		return 0, ErrBadFormat
	}
	return uint64(i), nil
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	}
	return 0, ErrBadFormat
}

// SignedRange returns the representable raw-value range for decode when
// interpreted under its table entry's sign and width, used by the point
// model's overflow checks.
func SignedRange(decode byte) (min, max int64, err error) {
	e, ok := table[decode]
	if !ok {
		return 0, 0, ErrUnknownCode
	}
	bits := uint(e.RegisterCount * 16)
	if e.Signed {
		return -(1 << (bits - 1)), (1 << (bits - 1)) - 1, nil
	}
	if bits >= 64 {
		return 0, math.MaxInt64, nil
	}
	return 0, (1 << bits) - 1, nil
}
