package expr

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/binspector/binspector/internal/bitreader"
)

type builtinFunc func(vm *VM, args []Value) (Value, error)

var builtins = map[string]builtinFunc{
	"sizeof":    biSizeof,
	"startof":   biStartof,
	"endof":     biEndof,
	"byte":      biByte,
	"peek":      biPeek,
	"card":      biCard,
	"print":     biStrcat,
	"strcat":    biStrcat,
	"summaryof": biSummaryof,
	"str":       biStr,
	"path":      biPath,
	"indexof":   biIndexof,
	"fcc":       biFcc,
	"ptoi":      biPtoi,
	"itop":      biItop,
	"padd":      biPadd,
	"psub":      biPsub,
	"gtell":     biGtell,
}

func wantBranch(args []Value, i int) (NodeRef, error) {
	if i >= len(args) || !args[i].IsBranch() {
		return NoNode, errors.WithStack(ErrWrongArgumentKind)
	}
	ref, _ := args[i].AsBranch()
	return ref, nil
}

func wantNumber(args []Value, i int) (float64, error) {
	if i >= len(args) {
		return 0, errors.WithStack(ErrWrongArgumentKind)
	}
	n, ok := args[i].AsNumber()
	if !ok {
		return 0, errors.WithStack(ErrWrongArgumentKind)
	}
	return n, nil
}

func wantPosition(args []Value, i int) (bitreader.Position, error) {
	if i >= len(args) {
		return bitreader.Position{}, errors.WithStack(ErrWrongArgumentKind)
	}
	p, ok := args[i].AsPosition()
	if !ok {
		return bitreader.Position{}, errors.WithStack(ErrWrongArgumentKind)
	}
	return p, nil
}

// biSizeof implements sizeof(@a) and sizeof(@a,@b): the byte span from the
// start of the first branch to the (exclusive) end of the first branch, or
// of the second branch when one is given.
func biSizeof(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	if len(args) == 1 {
		n, err := vm.ctx.Sizeof(a)
		if err != nil {
			return Value{}, err
		}
		return Number(float64(n)), nil
	}
	end, err := wantBranch(args, 1)
	if err != nil {
		return Value{}, err
	}
	start, err := vm.ctx.StartOf(a)
	if err != nil {
		return Value{}, err
	}
	finish, err := vm.ctx.EndOf(end)
	if err != nil {
		return Value{}, err
	}
	return Number(float64(finish.Sub(start).Bits() / 8)), nil
}

func biStartof(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	p, err := vm.ctx.StartOf(a)
	if err != nil {
		return Value{}, err
	}
	return Pos(p), nil
}

func biEndof(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	p, err := vm.ctx.EndOf(a)
	if err != nil {
		return Value{}, err
	}
	return Pos(p), nil
}

func biByte(vm *VM, args []Value) (Value, error) {
	off, err := wantNumber(args, 0)
	if err != nil {
		return Value{}, err
	}
	r := vm.ctx.Reader()
	saved := r.Pos()
	bs, err := r.ReadAt(bitreader.FromBytes(uint64(off)), 1)
	// A zero-length read at the saved position moves the read head back.
	if _, rerr := r.ReadAt(saved, 0); err == nil {
		err = rerr
	}
	if err != nil {
		return Value{}, err
	}
	return Number(float64(bs[0])), nil
}

func biPeek(vm *VM, args []Value) (Value, error) {
	n := 1
	if len(args) > 0 {
		v, err := wantNumber(args, 0)
		if err != nil {
			return Value{}, err
		}
		n = int(v)
	}
	if n == 1 {
		b, err := vm.ctx.Reader().Peek()
		if err != nil {
			return Value{}, err
		}
		return Number(float64(b)), nil
	}
	r := vm.ctx.Reader()
	saved := r.Pos()
	bs, err := r.ReadAt(saved, uint64(n))
	// A zero-length read at the saved position moves the read head back.
	if _, rerr := r.ReadAt(saved, 0); err == nil {
		err = rerr
	}
	if err != nil {
		return Value{}, err
	}
	var acc float64
	for _, b := range bs {
		acc = acc*256 + float64(b)
	}
	return Number(acc), nil
}

func biCard(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	n, err := vm.ctx.Card(a)
	if err != nil {
		return Value{}, err
	}
	return Number(float64(n)), nil
}

// biStrcat backs both print() and strcat(): concatenate every argument's
// string representation.
func biStrcat(vm *VM, args []Value) (Value, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.String())
	}
	return String(b.String()), nil
}

func biSummaryof(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	s, err := vm.ctx.SummaryOf(a)
	if err != nil {
		return Value{}, err
	}
	return String(s), nil
}

func biStr(vm *VM, args []Value) (Value, error) {
	a, err := wantBranch(args, 0)
	if err != nil {
		return Value{}, err
	}
	s, err := vm.ctx.Str(a)
	if err != nil {
		return Value{}, err
	}
	return String(s), nil
}

// biPath implements path(@a=this): default to the current node when no
// argument is supplied.
func biPath(vm *VM, args []Value) (Value, error) {
	ref := vm.ctx.Current()
	if len(args) > 0 {
		var err error
		ref, err = wantBranch(args, 0)
		if err != nil {
			return Value{}, err
		}
	}
	s, err := vm.ctx.Path(ref)
	if err != nil {
		return Value{}, err
	}
	return String(s), nil
}

func biIndexof(vm *VM, args []Value) (Value, error) {
	ref := vm.ctx.Current()
	if len(args) > 0 {
		var err error
		ref, err = wantBranch(args, 0)
		if err != nil {
			return Value{}, err
		}
	}
	n, err := vm.ctx.IndexOf(ref)
	if err != nil {
		return Value{}, err
	}
	return Number(float64(n)), nil
}

// biFcc packs a 4-character code string into a big-endian 32-bit integer,
// the way image/audio container formats spell their chunk tags.
func biFcc(vm *VM, args []Value) (Value, error) {
	if len(args) != 1 {
		return Value{}, errors.WithStack(ErrWrongArgumentKind)
	}
	s, ok := args[0].AsString()
	if !ok || len(s) != 4 {
		return Value{}, errors.WithStack(ErrWrongArgumentKind)
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(s[i])
	}
	return Number(float64(v)), nil
}

func biPtoi(vm *VM, args []Value) (Value, error) {
	p, err := wantPosition(args, 0)
	if err != nil {
		return Value{}, err
	}
	return Number(float64(p.Byte)), nil
}

func biItop(vm *VM, args []Value) (Value, error) {
	n, err := wantNumber(args, 0)
	if err != nil {
		return Value{}, err
	}
	return Pos(bitreader.FromBytes(uint64(n))), nil
}

// biPadd implements padd(a,b,...): a position plus one or more byte counts.
func biPadd(vm *VM, args []Value) (Value, error) {
	p, err := wantPosition(args, 0)
	if err != nil {
		return Value{}, err
	}
	for i := 1; i < len(args); i++ {
		n, err := wantNumber(args, i)
		if err != nil {
			return Value{}, err
		}
		p = p.Add(bitreader.FromBytes(uint64(n)))
	}
	return Pos(p), nil
}

func biPsub(vm *VM, args []Value) (Value, error) {
	a, err := wantPosition(args, 0)
	if err != nil {
		return Value{}, err
	}
	b, err := wantPosition(args, 1)
	if err != nil {
		return Value{}, err
	}
	return Number(float64(a.Sub(b).Bits() / 8)), nil
}

func biGtell(vm *VM, args []Value) (Value, error) {
	return Pos(vm.ctx.Reader().Pos()), nil
}
