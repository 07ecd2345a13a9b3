package binspector

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/binspector/binspector/internal/bitreader"
	"github.com/binspector/binspector/internal/codec"
)

// BaseType and Position are re-exported under the root package's own
// vocabulary so callers outside internal/ never need to import the leaf
// packages just to describe a field's shape.
type BaseType = codec.BaseType
type Position = bitreader.Position

const (
	Signed   = codec.Signed
	Unsigned = codec.Unsigned
	Float    = codec.Float
)

// errorKind classifies an analysis failure by the taxonomy's kind, not by
// Go type — callers that care branch on Is/As against the sentinels below,
// not on kind directly.
type errorKind int

const (
	kindTemplateStructure errorKind = iota
	kindTypeShape
	kindEvaluation
	kindInvariant
	kindSentry
	kindIO
	kindUser
)

// analysisError is a taxonomy-tagged error carrying the field path active
// when it was raised. Its wrapped cause is built with github.com/pkg/errors
// and so records a stack trace at the original Errorf/Wrap call;
// analysisError itself has no Format method, so %+v on it prints only the
// Error() text (format Unwrap()'s result with %+v to see the trace).
type analysisError struct {
	kind errorKind
	path string
	err  error
}

func (e *analysisError) Error() string {
	if e.path == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("in field: %s: %s", e.path, e.err.Error())
}

func (e *analysisError) Unwrap() error { return e.err }

func newError(kind errorKind, format string, args ...any) error {
	return &analysisError{kind: kind, err: errors.Errorf(format, args...)}
}

func wrapError(kind errorKind, err error, format string, args ...any) error {
	return &analysisError{kind: kind, err: errors.Wrapf(err, format, args...)}
}

// withPath annotates err with the field path active when it occurred,
// without changing its kind or wrapped cause. Safe to call on a nil path
// (no-op) or a non-analysisError (wraps it as kindEvaluation).
func withPath(err error, path string) error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*analysisError); ok {
		if ae.path == "" {
			ae.path = path
		}
		return ae
	}
	return &analysisError{kind: kindEvaluation, path: path, err: err}
}

// ErrInvariantFailed marks an invariant-kind analysisError; use
// errors.Is(err, ErrInvariantFailed) to detect it regardless of the
// specific invariant that failed.
var ErrInvariantFailed = errors.New("binspector: invariant failed")

// ErrDie marks a user-kind (die-action) analysisError.
var ErrDie = errors.New("binspector: die")

func newInvariantError(name string) error {
	return &analysisError{kind: kindInvariant, err: errors.Wrapf(ErrInvariantFailed, "invariant %q", name)}
}

func newDieError(message string) error {
	return &analysisError{kind: kindUser, err: errors.Wrap(ErrDie, message)}
}

// IsEOF reports whether err is (or wraps) the bit reader's EOF sentinel —
// the one IO error the analyzer treats as non-fatal the first time it is
// seen (see the eof slot in the analyzer).
func IsEOF(err error) bool { return errors.Is(err, bitreader.ErrEOF) }
