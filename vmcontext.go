package binspector

import (
	"github.com/binspector/binspector/internal/bitreader"
	"github.com/binspector/binspector/internal/codec"
	"github.com/binspector/binspector/internal/expr"
)

// evalContext is the root package's Context implementation: it satisfies
// internal/expr.Context by delegating to a Forest and a BitReader, which
// is the only way those two packages and the VM communicate (see the
// Context interface doc in internal/expr/context.go for why the boundary
// is shaped this way).
type evalContext struct {
	forest  *Forest
	reader  *bitreader.BitReader
	root    NodeID
	current NodeID
}

func newEvalContext(f *Forest, r *bitreader.BitReader, root NodeID) *evalContext {
	return &evalContext{forest: f, reader: r, root: root, current: root}
}

// vm returns a fresh expr.VM bound to this context with "this" temporarily
// set to at, for evaluating an expression recorded against that node.
func (c *evalContext) vm(at NodeID) *expr.VM {
	c.current = at
	return expr.New(c)
}

func (c *evalContext) Root() expr.NodeRef    { return expr.NodeRef(c.root) }
func (c *evalContext) Current() expr.NodeRef { return expr.NodeRef(c.current) }

func (c *evalContext) Lookup(start expr.NodeRef, name string) (expr.NodeRef, bool) {
	for cur := NodeID(start); cur != NoNode; cur = c.forest.Parent(cur) {
		for _, kid := range c.forest.Children(cur) {
			if c.forest.Name(kid) == name {
				return expr.NodeRef(kid), true
			}
		}
	}
	return expr.NoNode, false
}

func (c *evalContext) Field(branch expr.NodeRef, name string) (expr.NodeRef, bool) {
	for _, kid := range c.forest.Children(NodeID(branch)) {
		if c.forest.Name(kid) == name {
			return expr.NodeRef(kid), true
		}
	}
	return expr.NoNode, false
}

func (c *evalContext) Index(branch expr.NodeRef, i int64) (expr.NodeRef, bool, error) {
	kids := c.forest.Children(NodeID(branch))
	if i < 0 || int(i) >= len(kids) {
		return expr.NoNode, false, nil
	}
	return expr.NodeRef(kids[i]), true, nil
}

// Finalize resolves branch to a scalar: atoms are re-read from the file
// (bumping use_count) with the read head restored afterwards; consts and
// slots evaluate their expression once and
// cache it; structs and array-roots pass through unchanged, per the
// finalization rule's "returned as-is" clause.
func (c *evalContext) Finalize(branch expr.NodeRef) (expr.Value, error) {
	id := NodeID(branch)
	f := c.forest

	switch {
	case f.IsAtom(id):
		restore := c.reader.Mark()
		raw, err := c.reader.ReadBitsAt(f.Location(id), f.BitCount(id))
		restore()
		if err != nil {
			return expr.Value{}, wrapError(kindIO, err, "reading atom %q", f.Name(id))
		}
		v, err := codec.Evaluate(raw, f.BitCount(id), f.BaseTypeOf(id), f.BigEndian(id))
		if err != nil {
			return expr.Value{}, wrapError(kindTypeShape, err, "evaluating atom %q", f.Name(id))
		}
		f.IncrementUseCount(id)
		return expr.Number(v.(float64)), nil

	case f.IsConst(id) || f.IsSlot(id):
		if v, ok := f.Evaluated(id); ok {
			return v, nil
		}
		saved := c.current
		v, err := c.vm(id).Eval(f.Expression(id))
		c.current = saved
		if err != nil {
			return expr.Value{}, withPath(err, f.Path(id))
		}
		f.SetEvaluatedValue(id, v)
		return v, nil

	default:
		return expr.Branch(branch), nil
	}
}

func (c *evalContext) Sizeof(branch expr.NodeRef) (uint64, error) {
	start, err := c.StartOf(branch)
	if err != nil {
		return 0, err
	}
	end, err := c.EndOf(branch)
	if err != nil {
		return 0, err
	}
	return end.Sub(start).Bits() / 8, nil
}

func (c *evalContext) StartOf(branch expr.NodeRef) (bitreader.Position, error) {
	id := NodeID(branch)
	if c.forest.IsAtom(id) || c.forest.IsSkip(id) {
		return c.forest.Location(id), nil
	}
	return c.forest.StartOffset(id), nil
}

func (c *evalContext) EndOf(branch expr.NodeRef) (bitreader.Position, error) {
	id := NodeID(branch)
	if c.forest.IsAtom(id) || c.forest.IsSkip(id) {
		return c.forest.Location(id).Add(bitreader.FromBits(c.forest.BitCount(id))), nil
	}
	return c.forest.EndOffset(id), nil
}

func (c *evalContext) Card(branch expr.NodeRef) (int64, error) {
	return c.forest.Cardinal(NodeID(branch)), nil
}

func (c *evalContext) SummaryOf(branch expr.NodeRef) (string, error) {
	return c.forest.Summary(NodeID(branch)), nil
}

// Str decodes a node's raw bytes as a string (an atom's own bits, or an
// array root's whole span): strips one trailing NUL, and reverses the
// bytes first when the atom is little-endian and not an array (mirroring
// how a little-endian multi-byte atom's bytes are stream-ordered
// high-to-low relative to a string's natural order). The read head is
// restored afterwards.
func (c *evalContext) Str(branch expr.NodeRef) (string, error) {
	id := NodeID(branch)
	loc, bits := c.forest.Location(id), c.forest.BitCount(id)
	if c.forest.IsArrayRoot(id) {
		loc = c.forest.StartOffset(id)
		bits = c.forest.EndOffset(id).Sub(loc).Bits()
	}
	restore := c.reader.Mark()
	raw, err := c.reader.ReadBitsAt(loc, bits)
	restore()
	if err != nil {
		return "", wrapError(kindIO, err, "reading %q as a string", c.forest.Name(id))
	}
	if !c.forest.BigEndian(id) && !c.forest.IsArrayRoot(id) {
		reversed := make([]byte, len(raw))
		for i, b := range raw {
			reversed[len(raw)-1-i] = b
		}
		raw = reversed
	}
	if n := len(raw); n > 0 && raw[n-1] == 0 {
		raw = raw[:n-1]
	}
	return string(raw), nil
}

func (c *evalContext) Path(branch expr.NodeRef) (string, error) {
	return c.forest.Path(NodeID(branch)), nil
}

func (c *evalContext) IndexOf(branch expr.NodeRef) (int64, error) {
	return c.forest.Cardinal(NodeID(branch)), nil
}

func (c *evalContext) Reader() expr.Reader { return c.reader }
