package expr

import "github.com/pkg/errors"

var (
	// ErrUnknownIdentifier is returned by a lookup that walks the entire
	// ancestor chain without finding a matching name.
	ErrUnknownIdentifier = errors.New("expr: unknown identifier")
	// ErrSubfieldNotFound is returned by a named-index lookup (x.name)
	// whose branch has no child of that name.
	ErrSubfieldNotFound = errors.New("expr: subfield not found")
	// ErrIndexOutOfRange is returned by a numeric-index lookup (x[i])
	// outside the array's bounds.
	ErrIndexOutOfRange = errors.New("expr: array index out of range")
	// ErrWrongArgumentKind is returned when a built-in receives an operand
	// of a kind it cannot operate on (e.g. ptoi on a non-position).
	ErrWrongArgumentKind = errors.New("expr: wrong argument kind to a built-in")
	// ErrStackUnderflow indicates a malformed Program: an instruction
	// popped more operands than were on the stack.
	ErrStackUnderflow = errors.New("expr: stack underflow")
	// ErrUnknownBuiltin is returned by OpCall naming a function this
	// package does not implement.
	ErrUnknownBuiltin = errors.New("expr: unknown built-in function")
)
