package expr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binspector/binspector/internal/bitreader"
	"github.com/binspector/binspector/internal/expr"
)

// fakeNode is the minimal node shape the test fixture needs: a name, an
// optional scalar value (atoms), optional children (structs/arrays), and a
// use count the Finalize bookkeeping bumps.
type fakeNode struct {
	name     string
	value    expr.Value
	isScalar bool
	children []expr.NodeRef
	useCount int
}

// fakeContext is a hand-rolled Context good enough to drive VM tests
// without a real forest; it mirrors the shape the analyzer's own Context
// implementation will have.
type fakeContext struct {
	nodes   []fakeNode
	root    expr.NodeRef
	current expr.NodeRef
	reader  *bitreader.BitReader
}

func newFakeContext() *fakeContext {
	return &fakeContext{}
}

func (c *fakeContext) add(n fakeNode) expr.NodeRef {
	c.nodes = append(c.nodes, n)
	return expr.NodeRef(len(c.nodes) - 1)
}

func (c *fakeContext) Root() expr.NodeRef    { return c.root }
func (c *fakeContext) Current() expr.NodeRef { return c.current }

func (c *fakeContext) Lookup(start expr.NodeRef, name string) (expr.NodeRef, bool) {
	// Single-scope lookup is enough for these tests: search only start's
	// direct children, without walking up to enclosing nodes.
	for _, kid := range c.nodes[start].children {
		if c.nodes[kid].name == name {
			return kid, true
		}
	}
	return expr.NoNode, false
}

func (c *fakeContext) Field(branch expr.NodeRef, name string) (expr.NodeRef, bool) {
	for _, kid := range c.nodes[branch].children {
		if c.nodes[kid].name == name {
			return kid, true
		}
	}
	return expr.NoNode, false
}

func (c *fakeContext) Index(branch expr.NodeRef, i int64) (expr.NodeRef, bool, error) {
	kids := c.nodes[branch].children
	if i < 0 || int(i) >= len(kids) {
		return expr.NoNode, false, nil
	}
	return kids[i], true, nil
}

func (c *fakeContext) Finalize(branch expr.NodeRef) (expr.Value, error) {
	c.nodes[branch].useCount++
	return c.nodes[branch].value, nil
}

func (c *fakeContext) Sizeof(expr.NodeRef) (uint64, error)             { return 0, nil }
func (c *fakeContext) StartOf(expr.NodeRef) (bitreader.Position, error) {
	return bitreader.Position{}, nil
}
func (c *fakeContext) EndOf(n expr.NodeRef) (bitreader.Position, error) {
	return bitreader.FromBytes(1), nil
}
func (c *fakeContext) Card(branch expr.NodeRef) (int64, error) {
	return int64(len(c.nodes[branch].children)), nil
}
func (c *fakeContext) SummaryOf(expr.NodeRef) (string, error) { return "summary", nil }
func (c *fakeContext) Str(expr.NodeRef) (string, error)       { return "str", nil }
func (c *fakeContext) Path(expr.NodeRef) (string, error)      { return "main.field", nil }
func (c *fakeContext) IndexOf(expr.NodeRef) (int64, error)    { return 0, nil }
func (c *fakeContext) Reader() expr.Reader                    { return c.reader }

func TestEvalArithmetic(t *testing.T) {
	ctx := newFakeContext()
	vm := expr.New(ctx)

	prog := &expr.Program{
		Consts: []expr.Value{expr.Number(2), expr.Number(3)},
		Code: []expr.Instruction{
			{Op: expr.OpConst, A: 0},
			{Op: expr.OpConst, A: 1},
			{Op: expr.OpMul},
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	n, ok := v.AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(6), n)
}

func TestEvalLookupFinalizesAtom(t *testing.T) {
	ctx := newFakeContext()
	field := ctx.add(fakeNode{name: "length", value: expr.Number(42), isScalar: true})
	root := ctx.add(fakeNode{name: "main", children: []expr.NodeRef{field}})
	ctx.root, ctx.current = root, root

	vm := expr.New(ctx)
	prog := &expr.Program{
		Strs: []string{"length"},
		Code: []expr.Instruction{
			{Op: expr.OpLookup, A: 0},
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	n, ok := v.AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(42), n)
	assert.Equal(t, 1, ctx.nodes[field].useCount)
}

func TestEvalBranchSkipsFinalize(t *testing.T) {
	ctx := newFakeContext()
	field := ctx.add(fakeNode{name: "length", value: expr.Number(42), isScalar: true})
	root := ctx.add(fakeNode{name: "main", children: []expr.NodeRef{field}})
	ctx.root, ctx.current = root, root

	vm := expr.New(ctx)
	prog := &expr.Program{
		Strs: []string{"length"},
		Code: []expr.Instruction{
			{Op: expr.OpLookup, A: 0},
		},
	}
	v, err := vm.EvalBranch(prog)
	require.NoError(t, err)
	assert.True(t, v.IsBranch())
	assert.Equal(t, 0, ctx.nodes[field].useCount)
}

func TestEvalFieldAndIndex(t *testing.T) {
	ctx := newFakeContext()
	e0 := ctx.add(fakeNode{name: "0", value: expr.Number(10), isScalar: true})
	e1 := ctx.add(fakeNode{name: "1", value: expr.Number(20), isScalar: true})
	arr := ctx.add(fakeNode{name: "items", children: []expr.NodeRef{e0, e1}})
	root := ctx.add(fakeNode{name: "main", children: []expr.NodeRef{arr}})
	ctx.root, ctx.current = root, root

	vm := expr.New(ctx)
	prog := &expr.Program{
		Consts: []expr.Value{expr.Number(1)},
		Strs:   []string{"items"},
		Code: []expr.Instruction{
			{Op: expr.OpLookup, A: 0},
			{Op: expr.OpConst, A: 0},
			{Op: expr.OpIndex},
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	n, _ := v.AsNumber()
	assert.Equal(t, float64(20), n)
}

func TestEvalShortCircuitAnd(t *testing.T) {
	ctx := newFakeContext()
	vm := expr.New(ctx)

	// false && (would-error) -> must not evaluate RHS.
	prog := &expr.Program{
		Consts: []expr.Value{expr.Bool(false)},
		Strs:   []string{"no_such_builtin"},
		Code: []expr.Instruction{
			{Op: expr.OpConst, A: 0},
			{Op: expr.OpJumpIfFalseNoPop, A: 4},
			{Op: expr.OpPop},
			{Op: expr.OpCall, A: 0, B: 0}, // the RHS; errors if reached, never reached if short-circuit works
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	b, ok := v.AsBool()
	require.True(t, ok)
	assert.False(t, b)
}

func TestEvalTernary(t *testing.T) {
	ctx := newFakeContext()
	vm := expr.New(ctx)

	// cond ? 1 : 2, with cond = true
	prog := &expr.Program{
		Consts: []expr.Value{expr.Bool(true), expr.Number(1), expr.Number(2)},
		Code: []expr.Instruction{
			{Op: expr.OpConst, A: 0},       // 0: cond
			{Op: expr.OpJumpIfFalse, A: 4}, // 1: -> else
			{Op: expr.OpConst, A: 1},       // 2: then
			{Op: expr.OpJump, A: 5},        // 3: -> end
			{Op: expr.OpConst, A: 2},       // 4: else
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	n, _ := v.AsNumber()
	assert.Equal(t, float64(1), n)
}

func TestEvalUnknownIdentifier(t *testing.T) {
	ctx := newFakeContext()
	root := ctx.add(fakeNode{name: "main"})
	ctx.root, ctx.current = root, root

	vm := expr.New(ctx)
	prog := &expr.Program{
		Strs: []string{"nope"},
		Code: []expr.Instruction{{Op: expr.OpLookup, A: 0}},
	}
	_, err := vm.Eval(prog)
	assert.ErrorIs(t, err, expr.ErrUnknownIdentifier)
}

func TestEvalCallBuiltinFcc(t *testing.T) {
	ctx := newFakeContext()
	vm := expr.New(ctx)

	prog := &expr.Program{
		Consts: []expr.Value{expr.String("abcd")},
		Strs:   []string{"fcc"},
		Code: []expr.Instruction{
			{Op: expr.OpConst, A: 0},
			{Op: expr.OpCall, A: 1, B: 0},
		},
	}
	v, err := vm.Eval(prog)
	require.NoError(t, err)
	n, _ := v.AsNumber()
	assert.Equal(t, float64(0x61626364), n)
}
