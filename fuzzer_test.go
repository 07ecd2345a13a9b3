package binspector_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binspector/binspector"
)

func writeSampleInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "sample.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x00, 0x10, 0xAA, 0xBB}, 0o644))
	return path
}

func sampleForestForFuzzing() *binspector.Forest {
	f := binspector.NewForest()
	root := f.Insert(binspector.NoNode, "main")
	f.SetStruct(root)

	length := f.Insert(root, "length")
	f.SetAtom(length, binspector.Unsigned, true, 16, binspector.Position{})
	f.IncrementUseCount(length)

	return f
}

func TestFuzzFlatModeWritesOneFilePerGenerator(t *testing.T) {
	dir := t.TempDir()
	input := writeSampleInput(t, dir)
	surface := binspector.BuildAttackSurface(sampleForestForFuzzing())
	require.Len(t, surface.AtomUsages, 1)

	err := binspector.Fuzz(surface, binspector.FuzzOptions{
		InputPath: input,
		OutputDir: dir,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "fuzzed"))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	// zero, ones, less, more, rand = 5 derivatives for the one atom usage,
	// plus the summary sidecar.
	assert.Len(t, names, 6)
	assert.Contains(t, names, "sample_fuzzing_summary.txt")
}

func TestFuzzFlatModeHashesNamesWhenRequested(t *testing.T) {
	dir := t.TempDir()
	input := writeSampleInput(t, dir)
	surface := binspector.BuildAttackSurface(sampleForestForFuzzing())

	err := binspector.Fuzz(surface, binspector.FuzzOptions{
		InputPath: input,
		OutputDir: dir,
		PathHash:  true,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "fuzzed"))
	require.NoError(t, err)

	found := false
	for _, e := range entries {
		if e.Name() != "sample_fuzzing_summary.txt" {
			found = true
			assert.NotContains(t, e.Name(), "sample_0_", "hashed names must not carry the plain base/offset prefix")
		}
	}
	assert.True(t, found)
}

func TestFuzzRecursiveModeRespectsWorkerCompletion(t *testing.T) {
	dir := t.TempDir()
	input := writeSampleInput(t, dir)
	surface := binspector.BuildAttackSurface(sampleForestForFuzzing())

	err := binspector.Fuzz(surface, binspector.FuzzOptions{
		InputPath: input,
		OutputDir: dir,
		PathHash:  true,
		Recurse:   true,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "fuzzed"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "expect at least the summary plus one round's derivative")
}

func TestFuzzFlatModeShufflesAnAtomArrayFoundByTheAnalyzer(t *testing.T) {
	// §8 scenario 6: a shuffle-eligible byte array's span must be real
	// (not the zero Position) for emitShuffles to treat its elements as
	// contiguous and equal-width, so this drives the array through a
	// real Analyze() call instead of hand-building the forest.
	ast := binspector.StructureMap{
		"main": {
			{Field: &binspector.AtomField{
				Name:          "data",
				BaseType:      binspector.Unsigned,
				BitCountExpr:  constNumber(8),
				BigEndianExpr: constBool(true),
				Size: binspector.SizeSpec{
					Kind:    binspector.SizeInteger,
					Expr:    constNumber(4),
					Shuffle: true,
				},
			}},
		},
	}

	dir := t.TempDir()
	input := filepath.Join(dir, "sample.bin")
	require.NoError(t, os.WriteFile(input, []byte{10, 20, 30, 40}, 0o644))

	forest, ok, err := binspector.Analyze(ast, readerOver(t, []byte{10, 20, 30, 40}), binspector.AnalyzeOptions{StartingStruct: "main"})
	require.NoError(t, err)
	require.True(t, ok)

	arrayRoot := forest.Children(forest.Root())[0]
	// Reading the 4 elements during analysis does not bump use_count, so
	// increment it the way Finalize would for a field actually read by
	// a slot/const expression elsewhere in the template.
	for _, elem := range forest.Children(arrayRoot) {
		forest.IncrementUseCount(elem)
	}

	surface := binspector.BuildAttackSurface(forest)
	require.Len(t, surface.ArrayShuffles, 1)
	assert.Equal(t, uint64(0), surface.ArrayShuffles[0].Snapshot.StartOffset.Byte)
	assert.Equal(t, uint64(4), surface.ArrayShuffles[0].Snapshot.EndOffset.Byte)

	err = binspector.Fuzz(surface, binspector.FuzzOptions{
		InputPath: input,
		OutputDir: dir,
	})
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "fuzzed"))
	require.NoError(t, err)

	var shuffles []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "shuffle") {
			shuffles = append(shuffles, e.Name())
		}
	}
	// card=4 elements rotate into 3 non-identity derivatives.
	assert.Len(t, shuffles, 3)
}

func TestFuzzRecursiveModeRequiresAtLeastOneAtomUsage(t *testing.T) {
	dir := t.TempDir()
	input := writeSampleInput(t, dir)
	empty := &binspector.AttackSurface{}

	err := binspector.Fuzz(empty, binspector.FuzzOptions{
		InputPath: input,
		OutputDir: dir,
		Recurse:   true,
	})
	assert.Error(t, err)
}
