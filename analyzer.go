package binspector

import (
	"github.com/sirupsen/logrus"

	"github.com/binspector/binspector/internal/bitreader"
	"github.com/binspector/binspector/internal/codec"
	"github.com/binspector/binspector/internal/expr"
)

// scope carries the walker state that is pushed and restored around a
// struct recursion: its own typedef map (typedefs are block-scoped to the
// struct body that declares them) and the active sentry bound inherited
// from the enclosing struct, if any.
type scope struct {
	typedefs map[string]Declaration
	sentry   *Position
}

func newScope(inheritSentry *Position) *scope {
	return &scope{typedefs: make(map[string]Declaration), sentry: inheritSentry}
}

// AnalyzeOptions configures a single analysis run.
type AnalyzeOptions struct {
	StartingStruct string
	Quiet          bool
	Logger         *logrus.Logger
}

// walker drives the AST against a binary, producing a Forest. It owns the
// single piece of truly global (not scope-restored) state the spec
// describes: whether the eof slot has already fired once.
type walker struct {
	ast     StructureMap
	forest  *Forest
	reader  *bitreader.BitReader
	ctx     *evalContext
	opts    AnalyzeOptions
	eofSeen bool
}

// Analyze walks opts.StartingStruct against reader, producing the
// inspection forest. It returns false (with a non-nil error) exactly when
// the analysis failed — an invariant violation, a die action, a second EOF,
// or any other fatal condition from the §7 taxonomy.
func Analyze(ast StructureMap, reader *bitreader.BitReader, opts AnalyzeOptions) (*Forest, bool, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	forest := NewForest()
	root := forest.Insert(NoNode, "main")
	forest.SetStruct(root)
	forest.SetStructName(root, opts.StartingStruct)

	w := &walker{
		ast:    ast,
		forest: forest,
		reader: reader,
		opts:   opts,
	}
	w.ctx = newEvalContext(forest, reader, root)

	if err := w.analyzeStruct(root, opts.StartingStruct, newScope(nil)); err != nil {
		return forest, false, err
	}
	return forest, true, nil
}

func (w *walker) analyzeStruct(node NodeID, structName string, parentScope *scope) error {
	decls, err := w.ast.StructureFor(structName)
	if err != nil {
		return withPath(err, w.forest.Path(node))
	}
	sc := newScope(parentScope.sentry)
	return w.walkFields(node, decls, sc)
}

func (w *walker) eval(at NodeID, prog *expr.Program) (expr.Value, error) {
	v, err := w.ctx.vm(at).Eval(prog)
	if err != nil {
		return expr.Value{}, withPath(err, w.forest.Path(at))
	}
	return v, nil
}

func (w *walker) evalBool(at NodeID, prog *expr.Program) (bool, error) {
	v, err := w.eval(at, prog)
	if err != nil {
		return false, err
	}
	b, err := v.Truthy()
	if err != nil {
		return false, withPath(wrapError(kindEvaluation, err, "expected a boolean"), w.forest.Path(at))
	}
	return b, nil
}

func (w *walker) evalNumber(at NodeID, prog *expr.Program) (float64, error) {
	v, err := w.eval(at, prog)
	if err != nil {
		return 0, err
	}
	n, ok := v.AsNumber()
	if !ok {
		return 0, withPath(newError(kindEvaluation, "expected a number"), w.forest.Path(at))
	}
	return n, nil
}

func valueToPosition(v expr.Value) (Position, error) {
	if p, ok := v.AsPosition(); ok {
		return p, nil
	}
	if n, ok := v.AsNumber(); ok {
		return bitreader.FromBytes(uint64(n)), nil
	}
	return Position{}, newError(kindEvaluation, "expected a position or byte count")
}

func (w *walker) evalPosition(at NodeID, prog *expr.Program) (Position, error) {
	v, err := w.eval(at, prog)
	if err != nil {
		return Position{}, err
	}
	return valueToPosition(v)
}

// findSlot searches the same upward-ancestor chain as a plain identifier
// lookup (see evalContext.Lookup) for a slot named name.
func (w *walker) findSlot(at NodeID, name string) (NodeID, bool) {
	for cur := at; cur != NoNode; cur = w.forest.Parent(cur) {
		for _, kid := range w.forest.Children(cur) {
			if w.forest.Name(kid) == name && w.forest.IsSlot(kid) {
				return kid, true
			}
		}
	}
	return NoNode, false
}

func (w *walker) composeArgs(at NodeID, args []*expr.Program) (string, error) {
	var out string
	for _, a := range args {
		v, err := w.eval(at, a)
		if err != nil {
			return "", err
		}
		out += v.String()
	}
	return out, nil
}

// withOffset seeks the reader to offsetExpr (if non-nil) for the duration
// of fn, restoring the prior position and lazy-seek state afterward so the
// parent's running position cache remains correct for the field that
// follows.
func (w *walker) withOffset(at NodeID, offsetExpr *expr.Program, fn func() error) error {
	if offsetExpr == nil {
		return fn()
	}
	pos, err := w.evalPosition(at, offsetExpr)
	if err != nil {
		return err
	}
	restore := w.reader.Mark()
	w.reader.Seek(pos)
	err = fn()
	restore()
	return err
}

// walkFields is the per-struct-body dispatch loop (§4.F). decls is the
// ordered field sequence; parent is the node fields are inserted under.
func (w *walker) walkFields(parent NodeID, decls []Declaration, sc *scope) error {
	var lastConditional bool

	for _, decl := range decls {
		field := decl.Field

		if named, ok := field.(*NamedField); ok {
			resolved, err := ResolveNamed(sc.typedefs, named)
			if err != nil {
				return withPath(err, w.forest.Path(parent))
			}
			decl.Field = resolved.Field
			field = decl.Field
		}

		switch f := field.(type) {
		case *TypedefAtomField:
			sc.typedefs[f.TypeName] = decl
			continue
		case *TypedefNamedField:
			sc.typedefs[f.TypeName] = decl
			continue
		}

		proceed := true
		switch decl.Conditional {
		case ConditionalIf:
			v, err := w.evalBool(parent, decl.IfExpr)
			if err != nil {
				return err
			}
			proceed = v
			lastConditional = v
		case ConditionalElse:
			proceed = !lastConditional
		}
		if !proceed {
			continue
		}

		err := w.withOffset(parent, decl.OffsetExpr, func() error {
			return w.dispatchField(parent, field, sc)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) dispatchField(parent NodeID, field FieldDecl, sc *scope) error {
	switch f := field.(type) {
	case *InvariantField:
		ok, err := w.evalBool(parent, f.Expr)
		if err != nil {
			return err
		}
		if !ok {
			return newInvariantError(f.Name)
		}
		return nil
	case *EnumeratedField:
		return w.walkEnumerated(parent, f, sc)
	case *SentryField:
		return w.walkSentry(parent, f, sc)
	case *NotifyField:
		if w.opts.Quiet {
			return nil
		}
		msg, err := w.composeArgs(parent, f.Args)
		if err != nil {
			return err
		}
		w.opts.Logger.Info(msg)
		return nil
	case *SummaryField:
		if w.opts.Quiet {
			return nil
		}
		msg, err := w.composeArgs(parent, f.Args)
		if err != nil {
			return err
		}
		w.forest.SetSummary(parent, msg)
		return nil
	case *DieField:
		msg, err := w.composeArgs(parent, f.Args)
		if err != nil {
			return err
		}
		return newDieError(msg)
	case *SignalField:
		target, ok := w.findSlot(parent, f.Name)
		if !ok {
			return withPath(newError(kindEvaluation, "signal: unknown slot %q", f.Name), w.forest.Path(parent))
		}
		w.forest.Rebind(target, f.Expr)
		return nil
	case *ConstField:
		n := w.forest.Insert(parent, f.Name)
		w.forest.SetConst(n, f.Expr)
		return nil
	case *SlotField:
		n := w.forest.Insert(parent, f.Name)
		w.forest.SetSlot(n, f.Expr)
		return nil
	case *SkipField:
		return w.walkSkip(parent, f)
	case *AtomField:
		return w.walkAtom(parent, f, sc)
	case *StructField:
		return w.walkStructField(parent, f, sc)
	default:
		return withPath(newError(kindTemplateStructure, "unsupported field declaration %T", f), w.forest.Path(parent))
	}
}

// recoverableRead runs fn (a read that may raise EOF). On a first EOF, per
// §4.F it retracts node, fires the eof slot once, and treats the
// condition as handled (returns nil); a second EOF is fatal.
func (w *walker) recoverableRead(parent NodeID, node NodeID, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !IsEOF(err) {
		return wrapError(kindIO, err, "reading")
	}
	w.forest.Remove(node)
	if w.eofSeen {
		return wrapError(kindIO, err, "second end-of-file")
	}
	w.eofSeen = true
	if slot, ok := w.findSlot(parent, "eof"); ok {
		w.forest.SetEvaluatedValue(slot, expr.Bool(true))
	}
	return nil
}

func (w *walker) walkSkip(parent NodeID, f *SkipField) error {
	n := w.forest.Insert(parent, f.Name)
	count, err := w.evalNumber(parent, f.ByteCountExpr)
	if err != nil {
		return err
	}
	loc := w.reader.Pos()
	return w.recoverableRead(parent, n, func() error {
		if _, err := w.reader.Read(uint64(count)); err != nil {
			return err
		}
		w.forest.SetSkip(n, loc, uint64(count))
		w.forest.touch(parent, loc, w.reader.Pos())
		return nil
	})
}

func (w *walker) walkStructField(parent NodeID, f *StructField, sc *scope) error {
	if !f.Size.IsArray() {
		n := w.forest.Insert(parent, f.Name)
		w.forest.SetStruct(n)
		w.forest.SetStructName(n, f.StructName)
		start := w.reader.Pos()
		if err := w.analyzeStruct(n, f.StructName, sc); err != nil {
			return err
		}
		w.forest.touch(parent, start, w.forest.EndOffset(n))
		return nil
	}

	root := w.forest.Insert(parent, f.Name)
	index := 0
	addElement := func() error {
		elem := w.forest.Insert(root, f.Name)
		w.forest.SetArrayElement(elem, int64(index))
		w.forest.SetStruct(elem)
		w.forest.SetStructName(elem, f.StructName)
		start := w.reader.Pos()
		if err := w.analyzeStruct(elem, f.StructName, sc); err != nil {
			return err
		}
		w.forest.touch(root, start, w.forest.EndOffset(elem))
		index++
		return nil
	}

	switch f.Size.Kind {
	case SizeInteger:
		count, err := w.evalNumber(parent, f.Size.Expr)
		if err != nil {
			return err
		}
		for i := 0; i < int(count); i++ {
			if err := addElement(); err != nil {
				return err
			}
		}
	case SizeWhile:
		for {
			cont, err := w.evalBool(parent, f.Size.Expr)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
			if err := addElement(); err != nil {
				return err
			}
		}
	case SizeTerminator:
		return withPath(newError(kindTypeShape, "terminator size is not supported for struct arrays"), w.forest.Path(parent))
	case SizeDelimiter:
		v, err := w.evalNumber(parent, f.Size.Expr)
		if err != nil {
			return err
		}
		width := codec.DelimiterByteWidth(uint64(v))
		for {
			peeked, err := w.peekDelimiterWindow(width)
			if err != nil {
				return err
			}
			if peeked == uint64(v) {
				break
			}
			if err := addElement(); err != nil {
				return err
			}
		}
	}
	w.forest.SetArrayRoot(root, int64(index), f.Size.Shuffle)
	if index > 0 {
		w.forest.touch(parent, w.forest.StartOffset(root), w.forest.EndOffset(root))
	}
	return nil
}

func (w *walker) peekDelimiterWindow(width int) (uint64, error) {
	restore := w.reader.Mark()
	defer restore()
	bs, err := w.reader.Read(uint64(width))
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range bs {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// walkAtom implements the atom field_type, including its size-expression
// array forms and the optional inline invariant suffix.
func (w *walker) walkAtom(parent NodeID, f *AtomField, sc *scope) error {
	bigEndian, err := w.evalBool(parent, f.BigEndianExpr)
	if err != nil {
		return err
	}

	checkInvariant := func(n NodeID) error {
		if f.InvariantExpr == nil {
			return nil
		}
		ok, err := w.evalBool(n, f.InvariantExpr)
		if err != nil {
			return err
		}
		if !ok {
			return newInvariantError(f.Name)
		}
		return nil
	}

	parseOne := func(n NodeID, touchTargets ...NodeID) error {
		bitCount, err := w.evalNumber(parent, f.BitCountExpr)
		if err != nil {
			return err
		}
		loc := w.reader.Pos()
		return w.recoverableRead(parent, n, func() error {
			if _, err := w.reader.ReadBits(uint64(bitCount)); err != nil {
				return err
			}
			w.forest.SetAtom(n, f.BaseType, bigEndian, uint64(bitCount), loc)
			end := w.reader.Pos()
			for _, t := range touchTargets {
				w.forest.touch(t, loc, end)
			}
			return checkInvariant(n)
		})
	}

	if !f.Size.IsArray() {
		n := w.forest.Insert(parent, f.Name)
		return parseOne(n, parent)
	}

	root := w.forest.Insert(parent, f.Name)
	index := 0
	addElement := func() error {
		elem := w.forest.Insert(root, f.Name)
		w.forest.SetArrayElement(elem, int64(index))
		if err := parseOne(elem, parent, root); err != nil {
			return err
		}
		index++
		return nil
	}

	switch f.Size.Kind {
	case SizeInteger:
		count, err := w.evalNumber(parent, f.Size.Expr)
		if err != nil {
			return err
		}
		for i := 0; i < int(count); i++ {
			if err := addElement(); err != nil {
				return err
			}
		}
	case SizeWhile:
		for {
			cont, err := w.evalBool(parent, f.Size.Expr)
			if err != nil {
				return err
			}
			if !cont {
				break
			}
			if err := addElement(); err != nil {
				return err
			}
		}
	case SizeTerminator:
		bitCount, err := w.evalNumber(parent, f.BitCountExpr)
		if err != nil {
			return err
		}
		if int64(bitCount)%8 != 0 {
			return withPath(newError(kindTypeShape, "terminator requires a byte-aligned atom"), w.forest.Path(parent))
		}
		term, err := w.evalNumber(parent, f.Size.Expr)
		if err != nil {
			return err
		}
		width := int(bitCount) / 8
		for {
			elem := w.forest.Insert(root, f.Name)
			w.forest.SetArrayElement(elem, int64(index))
			loc := w.reader.Pos()
			var v uint64
			err := w.recoverableRead(parent, elem, func() error {
				bs, err := w.reader.Read(uint64(width))
				if err != nil {
					return err
				}
				for _, b := range bs {
					v = v<<8 | uint64(b)
				}
				w.forest.SetAtom(elem, f.BaseType, bigEndian, uint64(bitCount), loc)
				end := w.reader.Pos()
				w.forest.touch(parent, loc, end)
				w.forest.touch(root, loc, end)
				return nil
			})
			if err != nil {
				return err
			}
			index++
			if v == uint64(term) {
				break
			}
		}
	case SizeDelimiter:
		v, err := w.evalNumber(parent, f.Size.Expr)
		if err != nil {
			return err
		}
		width := codec.DelimiterByteWidth(uint64(v))
		for {
			peeked, err := w.peekDelimiterWindow(width)
			if err != nil {
				return err
			}
			if peeked == uint64(v) {
				break
			}
			if err := addElement(); err != nil {
				return err
			}
		}
	}

	w.forest.SetArrayRoot(root, int64(index), f.Size.Shuffle)
	return nil
}

// walkSentry scopes f.Body behind a byte boundary: a number is a
// byte-relative bound from the current position, a position value is
// absolute. Reads past it are reported (not enforced here — the reader has
// no sentry awareness; violation is detected only at scope exit) and
// falling short is warned, never corrected (see the sentry open question).
func (w *walker) walkSentry(parent NodeID, f *SentryField, sc *scope) error {
	v, err := w.eval(parent, f.Expr)
	if err != nil {
		return err
	}
	var bound Position
	if p, ok := v.AsPosition(); ok {
		bound = p
	} else if n, ok := v.AsNumber(); ok {
		bound = w.reader.Pos().Add(bitreader.FromBytes(uint64(n)))
	} else {
		return withPath(newError(kindEvaluation, "sentry expression must be a number or position"), w.forest.Path(parent))
	}

	childScope := newScope(&bound)
	childScope.typedefs = sc.typedefs
	if err := w.walkFields(parent, f.Body, childScope); err != nil {
		return err
	}
	if w.reader.Pos() != bound {
		w.opts.Logger.Warnf("sentry at %s: expected position %s, got %s", w.forest.Path(parent), bound, w.reader.Pos())
	}
	return nil
}

// walkEnumerated evaluates f.Expr (the finalized value of a previously
// parsed atom), then recurses through whichever option matches, or the
// default, tracking the full option set onto the addressed atom.
func (w *walker) walkEnumerated(parent NodeID, f *EnumeratedField, sc *scope) error {
	branchVal, err := w.ctx.vm(parent).EvalBranch(f.Expr)
	if err != nil {
		return withPath(err, w.forest.Path(parent))
	}
	ref, isBranch := branchVal.AsBranch()
	var value expr.Value
	if isBranch {
		value, err = w.ctx.Finalize(ref)
		if err != nil {
			return withPath(err, w.forest.Path(parent))
		}
	} else {
		value = branchVal
	}
	want, ok := value.AsNumber()
	if !ok {
		return withPath(newError(kindEvaluation, "enumerate: expected a numeric value"), w.forest.Path(parent))
	}

	optionSet := make(map[float64]struct{})
	found := false

	for _, optDecl := range f.Options {
		switch opt := optDecl.Field.(type) {
		case *EnumeratedOptionField:
			n, err := w.evalNumber(parent, opt.ValueExpr)
			if err != nil {
				return err
			}
			optionSet[n] = struct{}{}
			if n == want {
				found = true
				if err := w.walkFields(parent, opt.Body, sc); err != nil {
					return err
				}
			}
		case *EnumeratedDefaultField:
			if !found {
				if err := w.walkFields(parent, opt.Body, sc); err != nil {
					return err
				}
				found = true
			}
		}
	}

	if isBranch {
		if w.forest.SetOptionSet(ref, optionSet) {
			w.opts.Logger.Warnf("enumerate at %s: atom already had an option set", w.forest.Path(parent))
		}
	}

	if !found {
		return withPath(newError(kindInvariant, "enumerate: no option matched value %v and no default exists", want), w.forest.Path(parent))
	}
	return nil
}
