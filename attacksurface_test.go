package binspector_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binspector/binspector"
)

func buildSampleForest() *binspector.Forest {
	f := binspector.NewForest()
	root := f.Insert(binspector.NoNode, "main")
	f.SetStruct(root)

	used := f.Insert(root, "length")
	f.SetAtom(used, binspector.Unsigned, true, 16, binspector.Position{})
	f.IncrementUseCount(used)

	unused := f.Insert(root, "reserved")
	f.SetAtom(unused, binspector.Unsigned, true, 8, binspector.Position{})

	shuffled := f.Insert(root, "items")
	f.SetArrayRoot(shuffled, 3, true)
	for i := 0; i < 3; i++ {
		f.Insert(shuffled, "items")
	}

	notShuffled := f.Insert(root, "fixed")
	f.SetArrayRoot(notShuffled, 2, false)

	return f
}

func TestBuildAttackSurfaceOnlyIncludesUsedAtoms(t *testing.T) {
	surface := binspector.BuildAttackSurface(buildSampleForest())

	require.Len(t, surface.AtomUsages, 1)
	assert.Equal(t, "main.length", surface.AtomUsages[0].Path)
	assert.Equal(t, 1, surface.AtomUsages[0].UseCount)
}

func TestBuildAttackSurfaceOnlyIncludesShuffleEligibleArrays(t *testing.T) {
	surface := binspector.BuildAttackSurface(buildSampleForest())

	require.Len(t, surface.ArrayShuffles, 1)
	assert.Equal(t, "main.items", surface.ArrayShuffles[0].Path)
}

func TestBuildAttackSurfaceSortsByPath(t *testing.T) {
	f := binspector.NewForest()
	root := f.Insert(binspector.NoNode, "main")
	f.SetStruct(root)

	zebra := f.Insert(root, "zebra")
	f.SetAtom(zebra, binspector.Unsigned, true, 8, binspector.Position{})
	f.IncrementUseCount(zebra)

	alpha := f.Insert(root, "alpha")
	f.SetAtom(alpha, binspector.Unsigned, true, 8, binspector.Position{})
	f.IncrementUseCount(alpha)

	surface := binspector.BuildAttackSurface(f)
	require.Len(t, surface.AtomUsages, 2)
	assert.Equal(t, "main.alpha", surface.AtomUsages[0].Path)
	assert.Equal(t, "main.zebra", surface.AtomUsages[1].Path)
}

func TestBuildAttackSurfaceSnapshotIsDetached(t *testing.T) {
	f := binspector.NewForest()
	root := f.Insert(binspector.NoNode, "main")
	f.SetStruct(root)
	atom := f.Insert(root, "length")
	f.SetAtom(atom, binspector.Unsigned, true, 16, binspector.Position{})
	f.IncrementUseCount(atom)

	surface := binspector.BuildAttackSurface(f)
	require.Len(t, surface.AtomUsages, 1)
	before := surface.AtomUsages[0].Snapshot.UseCount

	f.IncrementUseCount(atom)

	assert.Equal(t, before, surface.AtomUsages[0].Snapshot.UseCount)
	assert.Equal(t, 2, f.UseCount(atom))
}
