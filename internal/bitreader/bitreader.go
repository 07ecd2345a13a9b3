// Package bitreader implements a sub-byte-addressable view over a seekable
// byte stream: positions are (byte, bit) pairs, reads can ask for any number
// of bits, and seeks are deferred until the next read so that look-ahead via
// Mark/restore stays cheap.
package bitreader

import (
	"io"

	"github.com/pkg/errors"
)

// Source is the byte-stream abstraction a BitReader wraps. Anything that can
// seek and read sequentially — an *os.File, a *bytes.Reader over a loaded
// binary — satisfies it.
type Source interface {
	io.Reader
	io.Seeker
}

// BitReader is a stateful, sub-byte-addressable cursor over a Source.
type BitReader struct {
	src Source

	size Position
	pos  Position

	sought bool // seek is deferred to the next read

	remainderBits uint8 // leftover bits from the last non-byte-aligned read
	remainderSize uint8 // number of valid (low) bits in remainderBits

	lastErr error
}

// New constructs a BitReader over src, computing its size by seeking to the
// end and back to the start.
func New(src Source) (*BitReader, error) {
	end, err := src.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "bitreader: determining size")
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "bitreader: rewinding")
	}
	return &BitReader{src: src, size: FromBytes(uint64(end))}, nil
}

// Size returns the total size of the stream as a Position.
func (r *BitReader) Size() Position { return r.size }

// Pos returns the reader's current logical position.
func (r *BitReader) Pos() Position { return r.pos }

// Eof reports whether the current position is at or past the end of stream.
func (r *BitReader) Eof() bool { return !r.pos.Less(r.size) }

// Fail reports whether the last read failed for a reason other than EOF.
func (r *BitReader) Fail() bool { return r.lastErr != nil && r.lastErr != ErrEOF }

// Clear resets the last-error state (mirrors clearing a stream's failbit).
func (r *BitReader) Clear() { r.lastErr = nil }

// Seek moves to an absolute position. The underlying stream seek is
// deferred until the next read.
func (r *BitReader) Seek(pos Position) {
	if r.pos == pos {
		return
	}
	r.pos = pos
	r.sought = true
}

// Advance moves the position forward by a relative amount and returns the
// position prior to the move.
func (r *BitReader) Advance(delta Position) (Position, error) {
	if delta == (Position{}) {
		return r.pos, nil
	}
	if r.Eof() {
		return Position{}, errors.WithStack(io.EOF)
	}
	old := r.pos
	r.pos = r.pos.Add(delta)
	r.sought = true
	return old, nil
}

// Mark records the current position and returns a function that restores
// it. This is the primitive Peek, the analyzer (delimiter scanning) and the
// VM context (re-reading an atom on finalization, str()) use to look at
// bytes without disturbing the read head.
func (r *BitReader) Mark() func() {
	saved := r.pos
	return func() { r.Seek(saved) }
}

func maskLowBits(n uint8) uint8 {
	if n >= 8 {
		return 0xff
	}
	return (uint8(1) << n) - 1
}

func maskForBits(startBit, numBits uint8) uint8 {
	if numBits == 0 {
		return 0
	}
	high := ^maskLowBits(8 - numBits)
	return high >> startBit
}

// Peek returns the next byte without advancing the position.
func (r *BitReader) Peek() (byte, error) {
	restore := r.Mark()
	defer restore()
	bs, err := r.ReadBits(8)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Read reads n whole bytes, advancing the position by n*8 bits.
func (r *BitReader) Read(n uint64) ([]byte, error) {
	return r.ReadBits(n * 8)
}

// ReadAt seeks to pos and then reads n bytes.
func (r *BitReader) ReadAt(pos Position, n uint64) ([]byte, error) {
	r.Seek(pos)
	return r.Read(n)
}

// ReadBitsAt seeks to pos and then reads n bits.
func (r *BitReader) ReadBitsAt(pos Position, n uint64) ([]byte, error) {
	r.Seek(pos)
	return r.ReadBits(n)
}

func (r *BitReader) lazySeek() error {
	if !r.sought {
		return nil
	}
	if _, err := r.src.Seek(int64(r.pos.Byte), io.SeekStart); err != nil {
		return errors.Wrap(err, "bitreader: seek")
	}
	r.remainderSize = 0
	r.sought = false
	return nil
}

// ReadBits reads exactly n bits and advances the position by n bits. The
// result is packed byte-little-endian from the LSB: when n is not a
// multiple of 8, the low (n mod 8) bits of the trailing byte hold the
// fractional field.
func (r *BitReader) ReadBits(n uint64) ([]byte, error) {
	if err := r.lazySeek(); err != nil {
		r.lastErr = err
		return nil, err
	}

	readBytes := n / 8
	readBitTail := uint8(n % 8)

	if n == 0 {
		return []byte{}, nil
	}

	if readBytes == 0 {
		switch {
		case readBitTail == r.remainderSize:
			b := r.remainderBits & maskLowBits(readBitTail)
			r.remainderSize = 0
			r.pos = r.pos.Add(FromBits(n))
			return []byte{b}, nil
		case readBitTail < r.remainderSize:
			diff := r.remainderSize - readBitTail
			b := r.remainderBits >> diff
			r.remainderBits &= maskLowBits(diff)
			r.remainderSize = diff
			r.pos = r.pos.Add(FromBits(n))
			return []byte{b}, nil
		}
	}

	if r.remainderSize != 0 {
		r.lastErr = ErrUnsupportedAlignment
		return nil, ErrUnsupportedAlignment
	}

	byteAligned := readBitTail == 0
	resultSize := readBytes
	if !byteAligned {
		resultSize++
	}
	if resultSize == 0 {
		return []byte{}, nil
	}

	buf := make([]byte, resultSize)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			r.lastErr = ErrEOF
			return nil, ErrEOF
		}
		r.lastErr = errors.Wrap(err, "bitreader: read")
		return nil, r.lastErr
	}

	if !byteAligned {
		startBit := r.pos.Bit
		dstSize := 8 - (startBit + readBitTail)
		mask := maskForBits(startBit, readBitTail)
		last := buf[len(buf)-1]
		r.remainderBits = last &^ mask
		buf[len(buf)-1] = (last & mask) >> dstSize
		r.remainderSize = dstSize
	}

	r.pos = r.pos.Add(FromBits(n))
	r.lastErr = nil
	return buf, nil
}
