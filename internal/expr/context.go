package expr

import "github.com/binspector/binspector/internal/bitreader"

// Reader is the slice of BitReader the expression language needs: random
// access for byte()/peek() and the current tell position for gtell(). It
// exists so this package doesn't import bitreader.BitReader directly and
// tie itself to that concrete type.
type Reader interface {
	Peek() (byte, error)
	ReadAt(pos bitreader.Position, n uint64) ([]byte, error)
	Pos() bitreader.Position
}

// Context is the host the VM evaluates against: the inspection tree being
// built by the analyzer, plus the reader backing it. A concrete
// implementation lives in the root package, which owns the forest; this
// interface exists so internal/expr never imports that package, avoiding
// an import cycle (the forest also needs to invoke the VM for conditions,
// sizes, and invariants).
type Context interface {
	// Root returns the outermost struct node.
	Root() NodeRef
	// Current returns the node whose declaration is presently being
	// evaluated (the implicit "this").
	Current() NodeRef

	// Lookup searches for name starting at start and walking up through
	// enclosing structs (the template language's only scoping rule). ok is
	// false if no such field exists anywhere in the enclosing chain.
	Lookup(start NodeRef, name string) (ref NodeRef, ok bool)

	// Field returns branch's named child, unfinalized.
	Field(branch NodeRef, name string) (ref NodeRef, ok bool)
	// Index returns branch's i'th child (of an array field), unfinalized.
	Index(branch NodeRef, i int64) (ref NodeRef, ok bool, err error)

	// Finalize resolves branch to its scalar value: reads the underlying
	// atom through the bit reader (incrementing the atom's use count), or
	// evaluates (and caches) a const/slot expression.
	Finalize(branch NodeRef) (Value, error)

	// Sizeof, StartOf, EndOf, Card, SummaryOf, Str, Path and IndexOf back
	// the built-ins of the same name; each operates on an unfinalized
	// branch reference, which is why callers must not finalize an operand
	// bound for one of these.
	Sizeof(branch NodeRef) (uint64, error)
	StartOf(branch NodeRef) (bitreader.Position, error)
	EndOf(branch NodeRef) (bitreader.Position, error)
	Card(branch NodeRef) (int64, error)
	SummaryOf(branch NodeRef) (string, error)
	Str(branch NodeRef) (string, error)
	Path(branch NodeRef) (string, error)
	IndexOf(branch NodeRef) (int64, error)

	// Reader exposes the underlying bit reader for byte()/peek()/gtell().
	Reader() Reader
}
