package binspector

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/binspector/binspector/internal/codec"
)

// Generator is a parameterized byte producer: a short identifier used in
// derivative file names, the bit width it produces, and the production
// function itself. All generators must produce byte-aligned output — for a
// non-byte bit_count, Produce returns an error, which the fuzzer logs as a
// warning and skips, per §4.H.
type Generator struct {
	ID       string
	BitCount uint64
	Produce  func() ([]byte, error)
}

func byteCount(bitCount uint64) (int, error) {
	if bitCount%8 != 0 {
		return 0, errors.Errorf("fuzzgen: generator requires a byte-aligned width, got %d bits", bitCount)
	}
	return int(bitCount / 8), nil
}

// GenZero produces all-zero bytes.
func GenZero(bitCount uint64) Generator {
	return Generator{ID: "zero", BitCount: bitCount, Produce: func() ([]byte, error) {
		n, err := byteCount(bitCount)
		if err != nil {
			return nil, err
		}
		return make([]byte, n), nil
	}}
}

// GenOnes produces all-0xFF bytes.
func GenOnes(bitCount uint64) Generator {
	return Generator{ID: "ones", BitCount: bitCount, Produce: func() ([]byte, error) {
		n, err := byteCount(bitCount)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = 0xFF
		}
		return out, nil
	}}
}

// GenRand produces n uniformly-random bits (n must be byte-aligned),
// sourced from a per-caller *rand.Rand so concurrent fuzz rounds don't
// share generator state.
func GenRand(bitCount uint64, rng *rand.Rand) Generator {
	return Generator{ID: "rand", BitCount: bitCount, Produce: func() ([]byte, error) {
		n, err := byteCount(bitCount)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(rng.IntN(256))
		}
		return out, nil
	}}
}

// GenLess and GenMore decode raw as the node's base type and endianness,
// add or subtract 1, and re-encode — the "neighbor" mutation.
func GenLess(snap NodeSnapshot, raw []byte) Generator {
	return stepGenerator("less", snap, raw, -1)
}

func GenMore(snap NodeSnapshot, raw []byte) Generator {
	return stepGenerator("more", snap, raw, 1)
}

func stepGenerator(id string, snap NodeSnapshot, raw []byte, delta float64) Generator {
	return Generator{ID: id, BitCount: snap.BitCount, Produce: func() ([]byte, error) {
		if _, err := byteCount(snap.BitCount); err != nil {
			return nil, err
		}
		v, err := codec.Evaluate(raw, snap.BitCount, snap.BaseType, snap.BigEndian)
		if err != nil {
			return nil, err
		}
		return codec.Decompose(v.(float64)+delta, snap.BitCount, snap.BaseType, snap.BigEndian)
	}}
}

// GenEnum encodes a specific scalar, used to emit one derivative per
// legal enumerated option.
func GenEnum(value float64, base BaseType, bigEndian bool, bitCount uint64) Generator {
	return Generator{ID: "enum", BitCount: bitCount, Produce: func() ([]byte, error) {
		if _, err := byteCount(bitCount); err != nil {
			return nil, err
		}
		return codec.Decompose(value, bitCount, base, bigEndian)
	}}
}
