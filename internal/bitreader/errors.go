package bitreader

import "errors"

// ErrEOF is returned when a read runs past the end of the stream. It is
// distinguished from other read failures so callers (the analyzer, in
// particular) can treat end-of-file as a first-class, recoverable event.
var ErrEOF = errors.New("bitreader: end of file")

// ErrUnsupportedAlignment is returned when a read would need to splice
// together bits held in the cross-byte remainder with bits from a fresh
// byte in a way this reader does not implement: the remainder holds a
// partial byte from a previous non-byte-aligned read, and the new request
// asks for more bits than the remainder alone can satisfy. Refusing this
// case outright (rather than guessing at a shift) is a deliberate, narrow
// limitation — see the bit-reader open question.
var ErrUnsupportedAlignment = errors.New("bitreader: read spans remainder and fresh bytes across a byte boundary")
