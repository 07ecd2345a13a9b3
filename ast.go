package binspector

import "github.com/binspector/binspector/internal/expr"

// ParseInfo carries the template source location a declaration came from,
// for diagnostics only.
type ParseInfo struct {
	Filename string
	Line     int
}

// ConditionalKind is the field's conditional wrapper, if any.
type ConditionalKind int

const (
	ConditionalNone ConditionalKind = iota
	ConditionalIf
	ConditionalElse
)

// SizeKind selects how a struct's or atom's element count (or terminating
// condition) is determined.
type SizeKind int

const (
	SizeNone SizeKind = iota
	SizeInteger
	SizeWhile
	SizeTerminator
	SizeDelimiter
)

// SizeSpec describes a field's array dimension.
type SizeSpec struct {
	Kind    SizeKind
	Expr    *expr.Program // integer count, while-condition, terminator or delimiter value
	Shuffle bool
}

func (s SizeSpec) IsArray() bool { return s.Kind != SizeNone }

// Declaration wraps a single field declaration with the cross-cutting
// concerns every field type shares: its optional conditional guard, its
// optional offset override, and its source position. Field holds the
// payload specific to the declaration's kind.
type Declaration struct {
	Conditional ConditionalKind
	IfExpr      *expr.Program
	OffsetExpr  *expr.Program
	Info        ParseInfo
	Field       FieldDecl
}

// FieldDecl is the tagged-union member for one field_type variant. Each
// concrete type below carries only the payload relevant to that variant;
// the analyzer type-switches on it the way a compiler switches on AST node
// kind.
type FieldDecl interface {
	fieldName() string
}

// StructField is a field whose type names another structure (resolved via
// the owning AST's StructureMap), optionally repeated per a SizeSpec.
type StructField struct {
	Name       string
	StructName string
	Size       SizeSpec
}

func (f *StructField) fieldName() string { return f.Name }

// AtomField is a fixed-width scalar leaf, optionally repeated per a
// SizeSpec.
type AtomField struct {
	Name            string
	BaseType        BaseType
	BitCountExpr    *expr.Program
	BigEndianExpr   *expr.Program
	Size            SizeSpec
	InvariantExpr   *expr.Program // "<== invariant" suffix, nil if absent
}

func (f *AtomField) fieldName() string { return f.Name }

// ConstField is a lazily-evaluated, cached scalar with no backing bytes.
type ConstField struct {
	Name    string
	Expr    *expr.Program
	NoPrint bool
}

func (f *ConstField) fieldName() string { return f.Name }

// SkipField advances the reader by a byte count without producing a
// visible value.
type SkipField struct {
	Name          string
	ByteCountExpr *expr.Program
}

func (f *SkipField) fieldName() string { return f.Name }

// SlotField is a named, lazily evaluated expression a later `signal` may
// rebind, invalidating its cache.
type SlotField struct {
	Name string
	Expr *expr.Program
}

func (f *SlotField) fieldName() string { return f.Name }

// SignalField rebinds an existing slot's expression and invalidates its
// cached value; it creates no node of its own.
type SignalField struct {
	Name string
	Expr *expr.Program
}

func (f *SignalField) fieldName() string { return f.Name }

// NamedField is a field whose declared type is an identifier that must be
// resolved against the typedef map in scope (see ResolveNamed) before it
// can be dispatched.
type NamedField struct {
	Name     string
	TypeName string
	Size     SizeSpec
}

func (f *NamedField) fieldName() string { return f.Name }

// TypedefAtomField installs an atom type alias in the walker's typedef map;
// it produces no node.
type TypedefAtomField struct {
	TypeName      string
	BaseType      BaseType
	BitCountExpr  *expr.Program
	BigEndianExpr *expr.Program
}

func (f *TypedefAtomField) fieldName() string { return f.TypeName }

// TypedefNamedField installs a struct-name alias in the walker's typedef
// map; it produces no node.
type TypedefNamedField struct {
	TypeName   string
	StructName string
}

func (f *TypedefNamedField) fieldName() string { return f.TypeName }

// NotifyField, SummaryField and DieField hold a list of argument
// expressions whose string() concatenation is the composed message.
type NotifyField struct{ Args []*expr.Program }

func (f *NotifyField) fieldName() string { return "notify" }

type SummaryField struct{ Args []*expr.Program }

func (f *SummaryField) fieldName() string { return "summary" }

type DieField struct{ Args []*expr.Program }

func (f *DieField) fieldName() string { return "die" }

// InvariantField evaluates Expr; false aborts the analysis.
type InvariantField struct {
	Name string
	Expr *expr.Program
}

func (f *InvariantField) fieldName() string { return f.Name }

// SentryField scopes Body behind a byte boundary: reads past it are
// reported but not fatal, and the boundary is checked for exact
// consumption on scope exit.
type SentryField struct {
	Expr *expr.Program
	Body []Declaration
}

func (f *SentryField) fieldName() string { return "sentry" }

// EnumeratedField dispatches to one of Options based on evaluating Expr
// (typically an address of a previously-parsed atom).
type EnumeratedField struct {
	Expr    *expr.Program
	Options []Declaration // each Field is *EnumeratedOptionField or *EnumeratedDefaultField
}

func (f *EnumeratedField) fieldName() string { return "enumerate" }

// EnumeratedOptionField matches ValueExpr against the enumerated value in
// scope; on match it recurses into Body.
type EnumeratedOptionField struct {
	ValueExpr *expr.Program
	Body      []Declaration
}

func (f *EnumeratedOptionField) fieldName() string { return "case" }

// EnumeratedDefaultField recurses into Body only if no option matched.
type EnumeratedDefaultField struct {
	Body []Declaration
}

func (f *EnumeratedDefaultField) fieldName() string { return "default" }

// StructureMap maps a structure name to its ordered field declarations.
// It, together with the typedefs installed while walking, forms the
// template's AST. Immutable once the (external) template parser has
// produced it.
type StructureMap map[string][]Declaration

// StructureFor returns the named structure's declarations, or an error if
// no such structure exists.
func (m StructureMap) StructureFor(name string) ([]Declaration, error) {
	decls, ok := m[name]
	if !ok {
		return nil, newError(kindTemplateStructure, "unknown structure %q", name)
	}
	return decls, nil
}

// ResolveNamed merges a NamedField against typedefs, following struct
// aliases (TypedefNamedField) from name to name, until it bottoms out in
// an atom (TypedefAtomField) or an unresolved name — which is then itself
// interpreted as a direct struct reference, per the AST model's
// typedef-resolution rule. A chain that revisits a name is an error.
func ResolveNamed(typedefs map[string]Declaration, named *NamedField) (Declaration, error) {
	typeName := named.TypeName
	seen := make(map[string]bool)
	for {
		if seen[typeName] {
			return Declaration{}, newError(kindTemplateStructure, "typedef chain for %q is cyclic", named.TypeName)
		}
		seen[typeName] = true
		decl, ok := typedefs[typeName]
		if !ok {
			return Declaration{Field: &StructField{Name: named.Name, StructName: typeName, Size: named.Size}}, nil
		}
		switch f := decl.Field.(type) {
		case *TypedefAtomField:
			return Declaration{Field: &AtomField{
				Name:          named.Name,
				BaseType:      f.BaseType,
				BitCountExpr:  f.BitCountExpr,
				BigEndianExpr: f.BigEndianExpr,
				Size:          named.Size,
			}}, nil
		case *TypedefNamedField:
			typeName = f.StructName
		default:
			return Declaration{}, newError(kindTemplateStructure, "typedef chain for %q dead-ends in a non-typedef declaration", typeName)
		}
	}
}
