// Package expr implements the template's expression language: a small
// postfix bytecode and the stack machine that runs it against the
// inspection tree being built by the analyzer. The package knows nothing
// about the forest's concrete node type — it talks to it only through the
// Context interface, so it can be built and tested independently of the
// analyzer.
package expr

import (
	"fmt"

	"github.com/binspector/binspector/internal/bitreader"
)

// NodeRef is an opaque handle to an inspection-tree node, as minted by a
// Context. The VM never looks inside it.
type NodeRef int32

// NoNode (-1) is the NodeRef sentinel used where a reference is absent
// (e.g. a lookup that found nothing).
const NoNode NodeRef = -1

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
	KindPosition
	KindBranch
)

// Value is the VM's single operand/result type: a small closed sum of the
// scalar kinds the expression language produces plus the one non-scalar
// kind (a branch reference, pre-finalization).
type Value struct {
	kind   Kind
	number float64
	str    string
	b      bool
	pos    bitreader.Position
	branch NodeRef
}

func Number(n float64) Value              { return Value{kind: KindNumber, number: n} }
func String(s string) Value               { return Value{kind: KindString, str: s} }
func Bool(b bool) Value                    { return Value{kind: KindBool, b: b} }
func Pos(p bitreader.Position) Value       { return Value{kind: KindPosition, pos: p} }
func Branch(n NodeRef) Value              { return Value{kind: KindBranch, branch: n} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsBranch() bool { return v.kind == KindBranch }

func (v Value) AsNumber() (float64, bool)           { return v.number, v.kind == KindNumber }
func (v Value) AsString() (string, bool)            { return v.str, v.kind == KindString }
func (v Value) AsBool() (bool, bool)                { return v.b, v.kind == KindBool }
func (v Value) AsPosition() (bitreader.Position, bool) { return v.pos, v.kind == KindPosition }
func (v Value) AsBranch() (NodeRef, bool)           { return v.branch, v.kind == KindBranch }

// Truthy applies the VM's boolean coercion: booleans are themselves,
// numbers are truthy when non-zero, everything else is an evaluation error
// (callers should check Kind first where that matters).
func (v Value) Truthy() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindNumber:
		return v.number != 0, nil
	default:
		return false, fmt.Errorf("expr: value of kind %d is not usable as a boolean", v.kind)
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return fmt.Sprintf("%g", v.number)
	case KindString:
		return v.str
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindPosition:
		return v.pos.String()
	case KindBranch:
		return fmt.Sprintf("<branch %d>", v.branch)
	default:
		return "<invalid>"
	}
}
