package binspector_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binspector/binspector"
	"github.com/binspector/binspector/internal/bitreader"
	"github.com/binspector/binspector/internal/expr"
)

func constNumber(n float64) *expr.Program {
	return &expr.Program{
		Consts: []expr.Value{expr.Number(n)},
		Code:   []expr.Instruction{{Op: expr.OpConst, A: 0}},
	}
}

func constBool(b bool) *expr.Program {
	return &expr.Program{
		Consts: []expr.Value{expr.Bool(b)},
		Code:   []expr.Instruction{{Op: expr.OpConst, A: 0}},
	}
}

func lookup(name string) *expr.Program {
	return &expr.Program{
		Strs: []string{name},
		Code: []expr.Instruction{{Op: expr.OpLookup, A: 0}},
	}
}

func thisEquals(n float64) *expr.Program {
	return &expr.Program{
		Consts: []expr.Value{expr.Number(n)},
		Strs:   []string{"this"},
		Code: []expr.Instruction{
			{Op: expr.OpLookup, A: 0},
			{Op: expr.OpConst, A: 0},
			{Op: expr.OpEq},
		},
	}
}

func readerOver(t *testing.T, data []byte) *bitreader.BitReader {
	t.Helper()
	r, err := bitreader.New(bytes.NewReader(data))
	require.NoError(t, err)
	return r
}

func TestAnalyzeFixedAtom(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "magic",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
		},
	}

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{0x2A}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	children := forest.Children(forest.Root())
	require.Len(t, children, 1)
	magic := children[0]
	assert.Equal(t, "magic", forest.Name(magic))
	assert.True(t, forest.IsAtom(magic))
	assert.Equal(t, uint64(8), forest.BitCount(magic))
	assert.Equal(t, binspector.Unsigned, forest.BaseTypeOf(magic))
	assert.True(t, forest.BigEndian(magic))
}

func TestAnalyzeInvariantSuccess(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "magic",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
				InvariantExpr: thisEquals(42),
			}},
		},
	}

	_, ok, err := binspector.Analyze(ast, readerOver(t, []byte{42}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnalyzeInvariantFailure(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "magic",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
				InvariantExpr: thisEquals(42),
			}},
		},
	}

	_, ok, err := binspector.Analyze(ast, readerOver(t, []byte{99}), binspector.AnalyzeOptions{StartingStruct: "main"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, binspector.ErrInvariantFailed)
}

func TestAnalyzeSizedAtomArray(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "items",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
				Size:          binspector.SizeSpec{Kind: binspector.SizeInteger, Expr: constNumber(3)},
			}},
		},
	}

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{1, 2, 3}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	root := forest.Children(forest.Root())[0]
	assert.True(t, forest.IsArrayRoot(root))
	assert.Equal(t, int64(3), forest.Cardinal(root))

	elems := forest.Children(root)
	require.Len(t, elems, 3)
	for i, e := range elems {
		assert.True(t, forest.IsArrayElement(e))
		assert.Equal(t, int64(i), forest.Cardinal(e))
		assert.True(t, forest.IsAtom(e))
	}

	// The array-root's own span must cover all three elements (Forest
	// invariant 2), and that span must in turn widen the enclosing
	// struct's root span.
	assert.Equal(t, uint64(0), forest.StartOffset(root).Bits())
	assert.Equal(t, uint64(24), forest.EndOffset(root).Bits())
	assert.Equal(t, uint64(0), forest.StartOffset(forest.Root()).Bits())
	assert.Equal(t, uint64(24), forest.EndOffset(forest.Root()).Bits())
}

func TestAnalyzeEnumeratedDispatchesMatchingOption(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "kind",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
			{Field: &binspector.EnumeratedField{
				Expr: lookup("kind"),
				Options: []binspector.Declaration{
					{Field: &binspector.EnumeratedOptionField{
						ValueExpr: constNumber(1),
						Body: []binspector.Declaration{
							{Field: &binspector.ConstField{Name: "tag_a", Expr: constNumber(111)}},
						},
					}},
					{Field: &binspector.EnumeratedDefaultField{
						Body: []binspector.Declaration{
							{Field: &binspector.ConstField{Name: "tag_default", Expr: constNumber(222)}},
						},
					}},
				},
			}},
		},
	}

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{1}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	children := forest.Children(forest.Root())
	var names []string
	for _, c := range children {
		names = append(names, forest.Name(c))
	}
	assert.Contains(t, names, "kind")
	assert.Contains(t, names, "tag_a")
	assert.NotContains(t, names, "tag_default")

	kind := children[0]
	assert.Equal(t, 1, forest.UseCount(kind), "enumerate must finalize the addressed atom exactly once")
	assert.NotNil(t, forest.OptionSet(kind))
	assert.Contains(t, forest.OptionSet(kind), float64(1))
}

func TestAnalyzeEnumeratedFallsBackToDefault(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "kind",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
			{Field: &binspector.EnumeratedField{
				Expr: lookup("kind"),
				Options: []binspector.Declaration{
					{Field: &binspector.EnumeratedOptionField{
						ValueExpr: constNumber(1),
						Body: []binspector.Declaration{
							{Field: &binspector.ConstField{Name: "tag_a", Expr: constNumber(111)}},
						},
					}},
					{Field: &binspector.EnumeratedDefaultField{
						Body: []binspector.Declaration{
							{Field: &binspector.ConstField{Name: "tag_default", Expr: constNumber(222)}},
						},
					}},
				},
			}},
		},
	}

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{9}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	var names []string
	for _, c := range forest.Children(forest.Root()) {
		names = append(names, forest.Name(c))
	}
	assert.Contains(t, names, "tag_default")
	assert.NotContains(t, names, "tag_a")
}

func TestAnalyzeEnumeratedNoMatchNoDefaultIsFatal(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "kind",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
			{Field: &binspector.EnumeratedField{
				Expr: lookup("kind"),
				Options: []binspector.Declaration{
					{Field: &binspector.EnumeratedOptionField{
						ValueExpr: constNumber(1),
						Body:      nil,
					}},
				},
			}},
		},
	}

	_, ok, err := binspector.Analyze(ast, readerOver(t, []byte{9}), binspector.AnalyzeOptions{StartingStruct: "main"})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestAnalyzeSecondEOFIsFatal(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "a",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
			{Field: &binspector.AtomField{
				Name:          "b",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
		},
	}

	_, ok, err := binspector.Analyze(ast, readerOver(t, []byte{}), binspector.AnalyzeOptions{StartingStruct: "main"})
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, binspector.IsEOF(err))
}

func TestAnalyzeStructArray(t *testing.T) {
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.StructField{
				Name:       "entries",
				StructName: "entry",
				Size:       binspector.SizeSpec{Kind: binspector.SizeInteger, Expr: constNumber(2)},
			}},
		},
		"entry": {
			{Field: &binspector.AtomField{
				Name:          "value",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
			}},
		},
	}

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{5, 6}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	root := forest.Children(forest.Root())[0]
	require.True(t, forest.IsArrayRoot(root))
	entries := forest.Children(root)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, forest.IsStruct(e))
		assert.Equal(t, "entry", forest.StructName(e))
	}

	// "main"'s only field is the array, so its span is defined solely by
	// the array-of-structs: the root node must not be left at the zero
	// Position (Forest invariant 2).
	assert.Equal(t, uint64(0), forest.StartOffset(root).Bits())
	assert.Equal(t, uint64(16), forest.EndOffset(root).Bits())
	assert.Equal(t, uint64(0), forest.StartOffset(forest.Root()).Bits())
	assert.Equal(t, uint64(16), forest.EndOffset(forest.Root()).Bits())
}
