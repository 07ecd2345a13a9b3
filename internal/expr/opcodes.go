package expr

// Opcode identifies one instruction in a compiled Program. The instruction
// set is deliberately small: every template expression compiles to a
// postfix sequence of these, evaluated against an explicit operand stack.
type Opcode int

const (
	// OpConst pushes consts[A].
	OpConst Opcode = iota
	// OpLookup searches upward from the current node for a named sibling
	// field (or "main"/"this") and pushes it unfinalized.
	OpLookup
	// OpField pops a branch and pushes its named child, unfinalized.
	OpField
	// OpIndex pops a numeric index then a branch and pushes the indexed
	// child, unfinalized.
	OpIndex
	// OpFinalize pops a value; if it is a branch, resolves it to its scalar
	// (reading the atom or evaluating the const/slot expression and
	// bumping its use count) and pushes the result. Non-branches pass
	// through unchanged, so OpFinalize is safe to emit defensively.
	OpFinalize

	OpNeg
	OpNot

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod

	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte

	// OpJumpIfFalse pops the top value; if falsy, jumps to A. Used for the
	// ternary's false branch.
	OpJumpIfFalse
	// OpJumpIfFalseNoPop peeks (does not pop) the top value; if falsy,
	// jumps to A. For &&, an OpPop on the fall-through path discards the
	// left operand before the right one is evaluated.
	OpJumpIfFalseNoPop
	// OpJumpIfTrueNoPop is OpJumpIfFalseNoPop's mirror, for ||.
	OpJumpIfTrueNoPop
	// OpJump is an unconditional jump to A.
	OpJump
	// OpPop discards the top of stack.
	OpPop

	// OpCall pops A arguments (in push order) and invokes the built-in
	// named by strs[B], pushing its result.
	OpCall
)

// Instruction is one entry in a Program's code. A and B are interpreted
// per-opcode: most often pool indices (into Program.Consts or
// Program.Strs) or, for the jump family, absolute indices into Code.
type Instruction struct {
	Op Opcode
	A  int
	B  int
}

// Program is a compiled expression: a constant pool, a name/string pool,
// and the postfix instruction stream itself. Building one is the
// responsibility of the (out of scope) template compiler; this package
// only executes them, which is why tests construct Programs by hand.
type Program struct {
	Consts []Value
	Strs   []string
	Code   []Instruction
}
