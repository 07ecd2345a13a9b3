package bitreader

import "fmt"

// Position is a byte/bit pair identifying a location in a bit stream. Bit is
// always in [0,7]; a Position is normalized so that Bit never accumulates to
// 8 or more (see Add).
type Position struct {
	Byte uint64
	Bit  uint8
}

// Invalid is the sentinel returned where no meaningful position exists.
var Invalid = Position{Byte: ^uint64(0), Bit: 0}

// IsInvalid reports whether p is the Invalid sentinel.
func (p Position) IsInvalid() bool { return p == Invalid }

// ByteAligned reports whether p falls on a byte boundary.
func (p Position) ByteAligned() bool { return p.Bit == 0 }

// FromBits builds a Position from a pure bit count, folding every 8 bits
// into a byte.
func FromBits(bits uint64) Position {
	return Position{Byte: bits / 8, Bit: uint8(bits % 8)}
}

// FromBytes builds a Position from a pure byte count.
func FromBytes(bytes uint64) Position { return Position{Byte: bytes} }

// Bits returns p expressed as a total bit count.
func (p Position) Bits() uint64 { return p.Byte*8 + uint64(p.Bit) }

// Add returns p+o, normalizing any bit overflow into whole bytes.
func (p Position) Add(o Position) Position {
	bit := uint16(p.Bit) + uint16(o.Bit)
	return Position{Byte: p.Byte + o.Byte + uint64(bit/8), Bit: uint8(bit % 8)}
}

// Sub returns p-o, saturating at zero rather than wrapping.
func (p Position) Sub(o Position) Position {
	pb, ob := int64(p.Bits()), int64(o.Bits())
	if pb < ob {
		return Position{}
	}
	return FromBits(uint64(pb - ob))
}

// Less orders positions by total bit offset.
func (p Position) Less(o Position) bool { return p.Bits() < o.Bits() }

func (p Position) String() string {
	if p.ByteAligned() {
		return fmt.Sprintf("%d", p.Byte)
	}
	return fmt.Sprintf("%d.%d", p.Byte, p.Bit)
}
