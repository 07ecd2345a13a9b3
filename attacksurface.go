package binspector

import "sort"

// AtomUsage is a mutation point over a previously-read, previously-used
// atom: change its bytes and re-emit the file.
type AtomUsage struct {
	Path     string
	Node     NodeID
	Snapshot NodeSnapshot
	UseCount int
}

// ArrayShuffle is a mutation point over a shuffle-eligible array: rotate
// its element byte sequence.
type ArrayShuffle struct {
	Path     string
	Node     NodeID
	Snapshot NodeSnapshot
}

// AttackSurface is the sorted, deterministic set of mutation points
// discovered in a forest after a successful analysis.
type AttackSurface struct {
	AtomUsages    []AtomUsage
	ArrayShuffles []ArrayShuffle
}

// BuildAttackSurface preorder-scans forest, emitting an AtomUsage for
// every node with use_count > 0 and bit_count > 0, and an ArrayShuffle for
// every array-root with cardinal > 0 and its shuffle flag set. Both lists
// are sorted by path for determinism across runs.
func BuildAttackSurface(f *Forest) *AttackSurface {
	surface := &AttackSurface{}

	f.Preorder(f.Root(), func(n NodeID) {
		if f.IsAtom(n) && f.UseCount(n) > 0 && f.BitCount(n) > 0 {
			surface.AtomUsages = append(surface.AtomUsages, AtomUsage{
				Path:     f.Path(n),
				Node:     n,
				Snapshot: f.Copy(n),
				UseCount: f.UseCount(n),
			})
		}
		if f.IsArrayRoot(n) && f.Cardinal(n) > 0 && f.Shuffle(n) {
			surface.ArrayShuffles = append(surface.ArrayShuffles, ArrayShuffle{
				Path:     f.Path(n),
				Node:     n,
				Snapshot: f.Copy(n),
			})
		}
	})

	sort.Slice(surface.AtomUsages, func(i, j int) bool {
		return surface.AtomUsages[i].Path < surface.AtomUsages[j].Path
	})
	sort.Slice(surface.ArrayShuffles, func(i, j int) bool {
		return surface.ArrayShuffles[i].Path < surface.ArrayShuffles[j].Path
	})

	return surface
}
