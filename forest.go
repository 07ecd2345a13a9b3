package binspector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/binspector/binspector/internal/expr"
)

// NodeID is a stable handle into a Forest's arena. The zero value denotes
// the first node inserted (the synthetic root, in an analysis); use NoNode
// for "absent".
type NodeID int32

// NoNode is the absent-reference sentinel, mirroring expr.NoNode so the
// two packages' handles compare the same way.
const NoNode NodeID = -1

// node is the forest's single concrete node representation. Every field
// listed in the spec's "Inspection node" is present; which ones are
// meaningful is determined by the flag fields, the same way the teacher's
// arena stores one struct per node regardless of PEG node kind.
type node struct {
	name       string
	summary    string
	structName string

	isAtom          bool
	isConst         bool
	isSkip          bool
	isSlot          bool
	isStruct        bool
	isArrayRoot     bool
	isArrayElement  bool
	atomBigEndian   bool

	startOffset Position
	endOffset   Position

	cardinal int64 // array size if root, array index if element
	shuffle  bool

	bitCount uint64
	location Position

	useCount int

	baseType BaseType

	expression     *expr.Program // const/slot expression
	evaluated      bool
	evaluatedValue expr.Value

	optionSet map[float64]struct{} // enumerated atoms only

	parent   NodeID
	children []NodeID
}

// Forest is the mutable ordered tree the analyzer builds while walking the
// AST against a binary. It is realized as an arena of structs indexed by
// NodeID, with a parallel children slice per node — no owning pointers, no
// cycles, stable handles that survive reslicing.
type Forest struct {
	nodes []node
	root  NodeID
}

// NewForest returns an empty forest whose root will be the first node
// Insert is called with NoNode as parent.
func NewForest() *Forest {
	return &Forest{root: NoNode}
}

// Insert creates a new child of parent (or the root, if parent is NoNode
// and no root yet exists) and returns its handle.
func (f *Forest) Insert(parent NodeID, name string) NodeID {
	id := NodeID(len(f.nodes))
	f.nodes = append(f.nodes, node{name: name, parent: NoNode})
	if parent == NoNode && f.root == NoNode {
		f.root = id
	} else {
		f.nodes[id].parent = parent
		f.nodes[parent].children = append(f.nodes[parent].children, id)
	}
	return id
}

// Root returns the forest's synthetic root node ("main").
func (f *Forest) Root() NodeID { return f.root }

// Parent returns node's parent, or NoNode for the root.
func (f *Forest) Parent(n NodeID) NodeID { return f.nodes[n].parent }

// Children returns node's direct children in file order.
func (f *Forest) Children(n NodeID) []NodeID { return f.nodes[n].children }

// Remove detaches a node from its parent's children list. Used only by the
// analyzer's EOF handling, which must retract the partially-built node
// that triggered the EOF.
func (f *Forest) Remove(n NodeID) {
	p := f.nodes[n].parent
	if p == NoNode {
		return
	}
	kids := f.nodes[p].children
	for i, k := range kids {
		if k == n {
			f.nodes[p].children = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// touch widens parent's half-open [startOffset, endOffset) span to include
// the region [start, end), per forest invariant 2. The first call for a given
// parent sets startOffset; every call updates endOffset.
func (f *Forest) touch(parent NodeID, start, end Position) {
	if parent == NoNode {
		return
	}
	n := &f.nodes[parent]
	if n.startOffset == (Position{}) && n.endOffset == (Position{}) {
		n.startOffset = start
	} else if start.Less(n.startOffset) {
		n.startOffset = start
	}
	if n.endOffset.Less(end) {
		n.endOffset = end
	}
}

// Path builds node's textual path by walking to the root, collecting
// "[index]" for array elements and ".name" for every other named node
// (the separator is omitted before "[", per the path-resolution rule).
func (f *Forest) Path(n NodeID) string {
	var segments []string
	for cur := n; cur != NoNode; cur = f.nodes[cur].parent {
		nd := f.nodes[cur]
		if nd.isArrayElement {
			segments = append(segments, fmt.Sprintf("[%d]", nd.cardinal))
		} else {
			segments = append(segments, nd.name)
		}
	}
	var b strings.Builder
	for i := len(segments) - 1; i >= 0; i-- {
		s := segments[i]
		if b.Len() > 0 && !strings.HasPrefix(s, "[") {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}

// full_order visit kinds.
type Edge int

const (
	Leading Edge = iota
	Trailing
)

// Visit is one step of a FullOrder traversal: a node seen on its leading
// or trailing edge, with its depth from the root.
type Visit struct {
	Node  NodeID
	Edge  Edge
	Depth int
}

// Preorder calls fn once per node, parent before children, in file order.
func (f *Forest) Preorder(root NodeID, fn func(NodeID)) {
	fn(root)
	for _, c := range f.Children(root) {
		f.Preorder(c, fn)
	}
}

// FullOrder visits every node twice — leading and trailing edge — with
// correct depth, which is what the (out of scope) pretty-printer and the
// REPL's "dump" command need; the analyzer itself only needs Preorder, but
// this is part of the forest's documented contract (§4.D).
func (f *Forest) FullOrder(root NodeID, fn func(Visit)) {
	var walk func(id NodeID, depth int)
	walk = func(id NodeID, depth int) {
		fn(Visit{Node: id, Edge: Leading, Depth: depth})
		for _, c := range f.Children(id) {
			walk(c, depth+1)
		}
		fn(Visit{Node: id, Edge: Trailing, Depth: depth})
	}
	walk(root, 0)
}

// Name, Summary, StructName, StartOffset, EndOffset, Cardinal, BitCount,
// Location, UseCount, BaseTypeOf, BigEndian and the Is* flags are narrow
// read accessors; writes go through the exported Set*/Rebind/
// IncrementUseCount setters further below.
func (f *Forest) Name(n NodeID) string         { return f.nodes[n].name }
func (f *Forest) Summary(n NodeID) string      { return f.nodes[n].summary }
func (f *Forest) StructName(n NodeID) string   { return f.nodes[n].structName }
func (f *Forest) StartOffset(n NodeID) Position { return f.nodes[n].startOffset }
func (f *Forest) EndOffset(n NodeID) Position  { return f.nodes[n].endOffset }
func (f *Forest) Cardinal(n NodeID) int64      { return f.nodes[n].cardinal }
func (f *Forest) BitCount(n NodeID) uint64     { return f.nodes[n].bitCount }
func (f *Forest) Location(n NodeID) Position   { return f.nodes[n].location }
func (f *Forest) UseCount(n NodeID) int        { return f.nodes[n].useCount }
func (f *Forest) BaseTypeOf(n NodeID) BaseType { return f.nodes[n].baseType }
func (f *Forest) BigEndian(n NodeID) bool      { return f.nodes[n].atomBigEndian }
func (f *Forest) IsAtom(n NodeID) bool         { return f.nodes[n].isAtom }
func (f *Forest) IsConst(n NodeID) bool        { return f.nodes[n].isConst }
func (f *Forest) IsSkip(n NodeID) bool         { return f.nodes[n].isSkip }
func (f *Forest) IsSlot(n NodeID) bool         { return f.nodes[n].isSlot }
func (f *Forest) IsStruct(n NodeID) bool       { return f.nodes[n].isStruct }
func (f *Forest) IsArrayRoot(n NodeID) bool    { return f.nodes[n].isArrayRoot }
func (f *Forest) IsArrayElement(n NodeID) bool { return f.nodes[n].isArrayElement }
func (f *Forest) Shuffle(n NodeID) bool        { return f.nodes[n].shuffle }
func (f *Forest) OptionSet(n NodeID) map[float64]struct{} { return f.nodes[n].optionSet }

// Copy returns a value snapshot of node n's observable fields, detached
// from the live arena — used by the attack-surface builder so later
// forest mutations (use_count bumps from a later pass) are never observed
// through an already-enumerated vector.
type NodeSnapshot struct {
	Name        string
	Path        string
	BaseType    BaseType
	BigEndian   bool
	BitCount    uint64
	Location    Position
	UseCount    int
	Cardinal    int64
	Shuffle     bool
	StartOffset Position
	EndOffset   Position
	OptionSet   map[float64]struct{}
}

// optionSetValues returns the snapshot's enumerated option set as a sorted
// slice, for generators that enumerate one derivative per legal value.
func (s NodeSnapshot) optionSetValues() []float64 {
	out := make([]float64, 0, len(s.OptionSet))
	for v := range s.OptionSet {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

// The setters below are the analyzer's and the VM context's only write
// surface into the arena; every other consumer of Forest is read-only.

func (f *Forest) SetSummary(n NodeID, s string)       { f.nodes[n].summary = s }
func (f *Forest) SetStructName(n NodeID, s string)     { f.nodes[n].structName = s }
func (f *Forest) SetStruct(n NodeID)                   { f.nodes[n].isStruct = true }
func (f *Forest) SetArrayRoot(n NodeID, cardinal int64, shuffle bool) {
	f.nodes[n].isArrayRoot = true
	f.nodes[n].cardinal = cardinal
	f.nodes[n].shuffle = shuffle
}
func (f *Forest) SetArrayElement(n NodeID, index int64) {
	f.nodes[n].isArrayElement = true
	f.nodes[n].cardinal = index
}
func (f *Forest) SetAtom(n NodeID, base BaseType, bigEndian bool, bitCount uint64, loc Position) {
	f.nodes[n].isAtom = true
	f.nodes[n].baseType = base
	f.nodes[n].atomBigEndian = bigEndian
	f.nodes[n].bitCount = bitCount
	f.nodes[n].location = loc
}
func (f *Forest) SetSkip(n NodeID, loc Position, byteCount uint64) {
	f.nodes[n].isSkip = true
	f.nodes[n].bitCount = byteCount * 8
	f.nodes[n].location = loc
}
func (f *Forest) SetConst(n NodeID, program *expr.Program) {
	f.nodes[n].isConst = true
	f.nodes[n].expression = program
}
func (f *Forest) SetSlot(n NodeID, program *expr.Program) {
	f.nodes[n].isSlot = true
	f.nodes[n].expression = program
}
func (f *Forest) Rebind(n NodeID, program *expr.Program) {
	f.nodes[n].expression = program
	f.nodes[n].evaluated = false
}
func (f *Forest) SetCardinal(n NodeID, c int64) { f.nodes[n].cardinal = c }

func (f *Forest) Expression(n NodeID) *expr.Program { return f.nodes[n].expression }
func (f *Forest) Evaluated(n NodeID) (expr.Value, bool) {
	return f.nodes[n].evaluatedValue, f.nodes[n].evaluated
}
func (f *Forest) SetEvaluatedValue(n NodeID, v expr.Value) {
	f.nodes[n].evaluated = true
	f.nodes[n].evaluatedValue = v
}

func (f *Forest) IncrementUseCount(n NodeID) { f.nodes[n].useCount++ }

// SetOptionSet installs the collected enumerated values on an atom,
// reporting (returning true) if it already had one set by an earlier
// enumerate over the same atom.
func (f *Forest) SetOptionSet(n NodeID, values map[float64]struct{}) (overwritten bool) {
	overwritten = f.nodes[n].optionSet != nil
	f.nodes[n].optionSet = values
	return overwritten
}

func (f *Forest) Copy(n NodeID) NodeSnapshot {
	nd := f.nodes[n]
	return NodeSnapshot{
		Name:        nd.name,
		Path:        f.Path(n),
		BaseType:    nd.baseType,
		BigEndian:   nd.atomBigEndian,
		BitCount:    nd.bitCount,
		Location:    nd.location,
		UseCount:    nd.useCount,
		Cardinal:    nd.cardinal,
		Shuffle:     nd.shuffle,
		StartOffset: nd.startOffset,
		EndOffset:   nd.endOffset,
		OptionSet:   nd.optionSet,
	}
}
