// Package codec turns the raw byte spans produced by a bit reader into
// typed scalars (and back again for the fuzzer's writers).
package codec

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// BaseType is the atom's declared primitive kind.
type BaseType int

const (
	Unknown BaseType = iota
	Signed
	Unsigned
	Float
)

func (t BaseType) String() string {
	switch t {
	case Signed:
		return "signed"
	case Unsigned:
		return "unsigned"
	case Float:
		return "float"
	default:
		return "unknown"
	}
}

// reversed returns a copy of raw with its byte order flipped.
func reversed(raw []byte) []byte {
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[len(out)-1-i] = b
	}
	return out
}

// hostToStreamOrder normalizes raw (as produced by the bit reader, which
// always packs low-to-high within the requested width) into the byte order
// the declared endianness implies, by reversing when the stream's
// endianness disagrees with a canonical little-endian layout.
func hostToStreamOrder(raw []byte, bigEndian bool) []byte {
	if bigEndian {
		return reversed(raw)
	}
	return raw
}

// widthFor returns the smallest standard width (in bytes) that fits
// bitCount, per the value codec contract: 1/2/4/8 bytes, float only at
// exactly 32 or 64 bits.
func widthFor(bitCount uint64, base BaseType) (int, error) {
	if base == Float {
		switch bitCount {
		case 32:
			return 4, nil
		case 64:
			return 8, nil
		default:
			return 0, errors.Errorf("codec: float atom of %d bits is not supported (must be 32 or 64)", bitCount)
		}
	}
	switch {
	case bitCount == 0:
		return 0, errors.New("codec: atom has a bit count of 0")
	case bitCount <= 8:
		return 1, nil
	case bitCount <= 16:
		return 2, nil
	case bitCount <= 32:
		return 4, nil
	case bitCount <= 64:
		return 8, nil
	default:
		return 0, errors.Errorf("codec: bit count %d exceeds the 64-bit maximum", bitCount)
	}
}

// padToWidth left-pads (in little-endian terms: zero-extends at the high
// end) raw to width bytes, little-endian.
func padToWidth(raw []byte, width int) []byte {
	if len(raw) == width {
		return raw
	}
	out := make([]byte, width)
	copy(out, raw)
	return out
}

// Evaluate reverses raw's byte order if the declared endianness disagrees
// with a canonical little-endian layout, then reinterprets it as the
// smallest standard width that fits bitCount. Signed values follow two's
// complement; floats are only valid at exactly 32 or 64 bits.
func Evaluate(raw []byte, bitCount uint64, base BaseType, bigEndian bool) (any, error) {
	if base == Unknown {
		return nil, errors.New("codec: unknown atom base type")
	}
	width, err := widthFor(bitCount, base)
	if err != nil {
		return nil, err
	}

	little := hostToStreamOrder(raw, bigEndian)
	little = padToWidth(little, width)

	switch base {
	case Float:
		if width == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(little))), nil
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(little)), nil
	case Signed:
		switch width {
		case 1:
			return float64(int8(little[0])), nil
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(little))), nil
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(little))), nil
		default:
			return float64(int64(binary.LittleEndian.Uint64(little))), nil
		}
	case Unsigned:
		switch width {
		case 1:
			return float64(little[0]), nil
		case 2:
			return float64(binary.LittleEndian.Uint16(little)), nil
		case 4:
			return float64(binary.LittleEndian.Uint32(little)), nil
		default:
			return float64(binary.LittleEndian.Uint64(little)), nil
		}
	}
	return nil, errors.New("codec: unreachable base type")
}

// Decompose is the inverse of Evaluate: it encodes a scalar back into a raw
// byte span of the given bit count, base type, and endianness. Used by the
// fuzzer's less/more/enum generators to write a mutated value back in the
// same shape the atom was read in.
func Decompose(value float64, bitCount uint64, base BaseType, bigEndian bool) ([]byte, error) {
	width, err := widthFor(bitCount, base)
	if err != nil {
		return nil, err
	}

	little := make([]byte, width)
	switch base {
	case Float:
		if width == 4 {
			binary.LittleEndian.PutUint32(little, math.Float32bits(float32(value)))
		} else {
			binary.LittleEndian.PutUint64(little, math.Float64bits(value))
		}
	case Signed:
		switch width {
		case 1:
			little[0] = byte(int8(value))
		case 2:
			binary.LittleEndian.PutUint16(little, uint16(int16(value)))
		case 4:
			binary.LittleEndian.PutUint32(little, uint32(int32(value)))
		default:
			binary.LittleEndian.PutUint64(little, uint64(int64(value)))
		}
	case Unsigned:
		switch width {
		case 1:
			little[0] = byte(uint8(value))
		case 2:
			binary.LittleEndian.PutUint16(little, uint16(value))
		case 4:
			binary.LittleEndian.PutUint32(little, uint32(value))
		default:
			binary.LittleEndian.PutUint64(little, uint64(value))
		}
	default:
		return nil, errors.New("codec: unknown atom base type")
	}

	return hostToStreamOrder(little, bigEndian), nil
}

// DelimiterByteWidth returns the number of bytes needed to hold the
// delimiter value v, i.e. ceil(log256(v+1)), with a floor of 1. There is no
// user-facing control over this; see the sentry/delimiter open question.
func DelimiterByteWidth(v uint64) int {
	if v == 0 {
		return 1
	}
	n := 0
	for v > 0 {
		n++
		v >>= 8
	}
	return n
}
