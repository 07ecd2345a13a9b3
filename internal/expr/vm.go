package expr

import (
	"github.com/pkg/errors"
)

// VM evaluates a Program's postfix bytecode against a Context. It is
// deliberately small and stateless between runs — a fresh stack per Eval
// call — since every field/const/invariant expression in a template is
// evaluated independently.
type VM struct {
	ctx Context
}

// New returns a VM bound to ctx.
func New(ctx Context) *VM { return &VM{ctx: ctx} }

type stack []Value

func (s *stack) push(v Value) { *s = append(*s, v) }

func (s *stack) pop() (Value, error) {
	n := len(*s)
	if n == 0 {
		return Value{}, errors.WithStack(ErrStackUnderflow)
	}
	v := (*s)[n-1]
	*s = (*s)[:n-1]
	return v, nil
}

func (s *stack) peek() (Value, error) {
	n := len(*s)
	if n == 0 {
		return Value{}, errors.WithStack(ErrStackUnderflow)
	}
	return (*s)[n-1], nil
}

// Eval runs prog to completion and returns its single result, finalized if
// it is still a raw branch (the common case: most expressions want a
// scalar, not a tree reference).
func (vm *VM) Eval(prog *Program) (Value, error) {
	v, err := vm.run(prog)
	if err != nil {
		return Value{}, err
	}
	if v.IsBranch() {
		ref, _ := v.AsBranch()
		return vm.ctx.Finalize(ref)
	}
	return v, nil
}

// EvalBranch runs prog and returns its result without an implicit final
// finalize, for callers that need the raw branch (e.g. the analyzer
// resolving the atom an enumerate addresses).
func (vm *VM) EvalBranch(prog *Program) (Value, error) {
	return vm.run(prog)
}

func (vm *VM) run(prog *Program) (Value, error) {
	var st stack
	pc := 0
	for pc < len(prog.Code) {
		instr := prog.Code[pc]
		next := pc + 1

		switch instr.Op {
		case OpConst:
			st.push(prog.Consts[instr.A])

		case OpLookup:
			name := prog.Strs[instr.A]
			ref, ok := vm.resolveReserved(name)
			if !ok {
				ref, ok = vm.ctx.Lookup(vm.ctx.Current(), name)
			}
			if !ok {
				return Value{}, errors.Wrapf(ErrUnknownIdentifier, "identifier %q", name)
			}
			st.push(Branch(ref))

		case OpField:
			branch, err := vm.popBranch(&st)
			if err != nil {
				return Value{}, err
			}
			name := prog.Strs[instr.A]
			ref, ok := vm.ctx.Field(branch, name)
			if !ok {
				return Value{}, errors.Wrapf(ErrSubfieldNotFound, "field %q", name)
			}
			st.push(Branch(ref))

		case OpIndex:
			idxVal, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			idx, err := finalizeIfBranch(vm, idxVal)
			if err != nil {
				return Value{}, err
			}
			n, ok := idx.AsNumber()
			if !ok {
				return Value{}, errors.WithStack(ErrWrongArgumentKind)
			}
			branch, err := vm.popBranch(&st)
			if err != nil {
				return Value{}, err
			}
			ref, ok, err := vm.ctx.Index(branch, int64(n))
			if err != nil {
				return Value{}, err
			}
			if !ok {
				return Value{}, errors.WithStack(ErrIndexOutOfRange)
			}
			st.push(Branch(ref))

		case OpFinalize:
			v, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			v, err = finalizeIfBranch(vm, v)
			if err != nil {
				return Value{}, err
			}
			st.push(v)

		case OpNeg, OpNot:
			v, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			v, err = finalizeIfBranch(vm, v)
			if err != nil {
				return Value{}, err
			}
			result, err := evalUnary(instr.Op, v)
			if err != nil {
				return Value{}, err
			}
			st.push(result)

		case OpAdd, OpSub, OpMul, OpDiv, OpMod,
			OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte:
			rhs, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			lhs, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			lhs, err = finalizeIfBranch(vm, lhs)
			if err != nil {
				return Value{}, err
			}
			rhs, err = finalizeIfBranch(vm, rhs)
			if err != nil {
				return Value{}, err
			}
			result, err := evalBinary(instr.Op, lhs, rhs)
			if err != nil {
				return Value{}, err
			}
			st.push(result)

		case OpJump:
			next = instr.A

		case OpJumpIfFalse:
			v, err := st.pop()
			if err != nil {
				return Value{}, err
			}
			v, err = finalizeIfBranch(vm, v)
			if err != nil {
				return Value{}, err
			}
			truthy, err := v.Truthy()
			if err != nil {
				return Value{}, err
			}
			if !truthy {
				next = instr.A
			}

		case OpJumpIfFalseNoPop:
			v, err := st.peek()
			if err != nil {
				return Value{}, err
			}
			truthy, err := v.Truthy()
			if err != nil {
				return Value{}, err
			}
			if !truthy {
				next = instr.A
			}

		case OpJumpIfTrueNoPop:
			v, err := st.peek()
			if err != nil {
				return Value{}, err
			}
			truthy, err := v.Truthy()
			if err != nil {
				return Value{}, err
			}
			if truthy {
				next = instr.A
			}

		case OpPop:
			if _, err := st.pop(); err != nil {
				return Value{}, err
			}

		case OpCall:
			argc := instr.A
			name := prog.Strs[instr.B]
			fn, ok := builtins[name]
			if !ok {
				return Value{}, errors.Wrapf(ErrUnknownBuiltin, "function %q", name)
			}
			args := make([]Value, argc)
			for i := argc - 1; i >= 0; i-- {
				v, err := st.pop()
				if err != nil {
					return Value{}, err
				}
				args[i] = v
			}
			result, err := fn(vm, args)
			if err != nil {
				return Value{}, errors.Wrapf(err, "calling %q", name)
			}
			st.push(result)

		default:
			return Value{}, errors.Errorf("expr: unimplemented opcode %d", instr.Op)
		}

		pc = next
	}

	return st.pop()
}

func (vm *VM) resolveReserved(name string) (NodeRef, bool) {
	switch name {
	case "main":
		return vm.ctx.Root(), true
	case "this":
		return vm.ctx.Current(), true
	default:
		return NoNode, false
	}
}

func (vm *VM) popBranch(st *stack) (NodeRef, error) {
	v, err := st.pop()
	if err != nil {
		return NoNode, err
	}
	if !v.IsBranch() {
		return NoNode, errors.WithStack(ErrWrongArgumentKind)
	}
	ref, _ := v.AsBranch()
	return ref, nil
}

func finalizeIfBranch(vm *VM, v Value) (Value, error) {
	if !v.IsBranch() {
		return v, nil
	}
	ref, _ := v.AsBranch()
	return vm.ctx.Finalize(ref)
}

func evalUnary(op Opcode, v Value) (Value, error) {
	switch op {
	case OpNeg:
		n, ok := v.AsNumber()
		if !ok {
			return Value{}, errors.WithStack(ErrWrongArgumentKind)
		}
		return Number(-n), nil
	case OpNot:
		b, err := v.Truthy()
		if err != nil {
			return Value{}, err
		}
		return Bool(!b), nil
	default:
		return Value{}, errors.Errorf("expr: not a unary opcode: %d", op)
	}
}

func evalBinary(op Opcode, lhs, rhs Value) (Value, error) {
	switch op {
	case OpEq, OpNeq:
		eq := valuesEqual(lhs, rhs)
		if op == OpNeq {
			eq = !eq
		}
		return Bool(eq), nil
	}

	ln, lok := lhs.AsNumber()
	rn, rok := rhs.AsNumber()
	if !lok || !rok {
		return Value{}, errors.WithStack(ErrWrongArgumentKind)
	}

	switch op {
	case OpAdd:
		return Number(ln + rn), nil
	case OpSub:
		return Number(ln - rn), nil
	case OpMul:
		return Number(ln * rn), nil
	case OpDiv:
		return Number(ln / rn), nil
	case OpMod:
		return Number(float64(int64(ln) % int64(rn))), nil
	case OpLt:
		return Bool(ln < rn), nil
	case OpLte:
		return Bool(ln <= rn), nil
	case OpGt:
		return Bool(ln > rn), nil
	case OpGte:
		return Bool(ln >= rn), nil
	default:
		return Value{}, errors.Errorf("expr: not a binary opcode: %d", op)
	}
}

func valuesEqual(a, b Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case KindNumber:
		an, _ := a.AsNumber()
		bn, _ := b.AsNumber()
		return an == bn
	case KindString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		return as == bs
	case KindBool:
		ab, _ := a.AsBool()
		bb, _ := b.AsBool()
		return ab == bb
	case KindPosition:
		ap, _ := a.AsPosition()
		bp, _ := b.AsPosition()
		return ap == bp
	case KindBranch:
		ar, _ := a.AsBranch()
		br, _ := b.AsBranch()
		return ar == br
	default:
		return false
	}
}
