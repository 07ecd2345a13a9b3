package binspector

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// recursiveBudget bounds the number of derivative files a single recursive
// fuzz invocation will emit, per §4.I.
const recursiveBudget = 10000

// recursiveContinueProbability is the chance a recursive round's
// derivative becomes the input to another round.
const recursiveContinueProbability = 0.8

// recursiveWorkers bounds how many rounds run concurrently.
const recursiveWorkers = 8

// FuzzOptions configures a single fuzz invocation.
type FuzzOptions struct {
	InputPath    string
	OutputDir    string
	PathHash     bool
	Recurse      bool
}

// summarySink is the mutex-protected text sink every worker appends to:
// each write is a whole line, so partial lines from different rounds never
// interleave, per the concurrency model in §5.
type summarySink struct {
	mu   sync.Mutex
	file *os.File
}

func newSummarySink(path string) (*summarySink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "fuzzer: creating summary file")
	}
	return &summarySink{file: f}, nil
}

func (s *summarySink) writeLine(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.file, format+"\n", args...)
}

func (s *summarySink) Close() error { return s.file.Close() }

// uniquePaths deduplicates written output paths under a lock, warning on
// collision rather than failing the whole run.
type uniquePaths struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newUniquePaths() *uniquePaths { return &uniquePaths{seen: make(map[string]bool)} }

func (u *uniquePaths) claim(path string) (collision bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.seen[path] {
		return true
	}
	u.seen[path] = true
	return false
}

// deriveName implements §4.I's naming scheme: "<base>_<offset>_<gen_id><ext>",
// with the prefix before "_<gen_id>" replaced by a 64-bit FNV-1a hash (hex)
// when hashed is set.
func deriveName(base string, offset uint64, genID string, ext string, hashed bool) string {
	if !hashed {
		return fmt.Sprintf("%s_%d_%s%s", base, offset, genID, ext)
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s_%d", base, offset)
	return fmt.Sprintf("%016x_%s%s", h.Sum64(), genID, ext)
}

// Fuzz drives the generators (§4.H) against surface's attack vectors to
// emit derivative binaries under <OutputDir>/fuzzed, plus a sidecar
// summary text file. Flat mode enumerates every vector exhaustively;
// recursive mode synthesizes derivatives stochastically and implies
// path-hashed names.
func Fuzz(surface *AttackSurface, opts FuzzOptions) error {
	outDir := filepath.Join(opts.OutputDir, "fuzzed")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "fuzzer: creating output directory")
	}

	base := strings.TrimSuffix(filepath.Base(opts.InputPath), filepath.Ext(opts.InputPath))
	ext := filepath.Ext(opts.InputPath)

	sink, err := newSummarySink(filepath.Join(outDir, base+"_fuzzing_summary.txt"))
	if err != nil {
		return err
	}
	defer sink.Close()

	paths := newUniquePaths()

	if opts.Recurse {
		return fuzzRecursive(surface, opts, outDir, base, ext, sink, paths)
	}
	return fuzzFlat(surface, opts, outDir, base, ext, sink, paths)
}

func fuzzFlat(surface *AttackSurface, opts FuzzOptions, outDir, base, ext string, sink *summarySink, paths *uniquePaths) error {
	source, err := os.ReadFile(opts.InputPath)
	if err != nil {
		return errors.Wrap(err, "fuzzer: reading input")
	}

	rng := rand.New(rand.NewPCG(1, 2))

	for _, vec := range surface.AtomUsages {
		sink.writeLine("atom_usage path=%s offset=%d bits=%d base=%s big_endian=%t use_count=%d",
			vec.Path, vec.Snapshot.Location.Byte, vec.Snapshot.BitCount, vec.Snapshot.BaseType, vec.Snapshot.BigEndian, vec.UseCount)

		loc := vec.Snapshot.Location
		width := int(vec.Snapshot.BitCount / 8)
		if width == 0 || int(loc.Byte)+width > len(source) {
			sink.writeLine("  warning: atom at offset %d has no byte-aligned span to mutate", loc.Byte)
			continue
		}
		raw := source[loc.Byte : int(loc.Byte)+width]

		gens := []Generator{GenZero(vec.Snapshot.BitCount), GenOnes(vec.Snapshot.BitCount), GenLess(vec.Snapshot, raw), GenMore(vec.Snapshot, raw), GenRand(vec.Snapshot.BitCount, rng)}
		for _, v := range vec.Snapshot.optionSetValues() {
			gens = append(gens, GenEnum(v, vec.Snapshot.BaseType, vec.Snapshot.BigEndian, vec.Snapshot.BitCount))
		}

		for _, gen := range gens {
			produced, err := gen.Produce()
			if err != nil {
				sink.writeLine("  warning: generator %s: %v", gen.ID, err)
				continue
			}
			if err := writeDerivative(outDir, base, ext, loc.Byte, gen.ID, opts.PathHash, source, produced, int(loc.Byte), sink, paths); err != nil {
				return err
			}
		}
	}

	for _, vec := range surface.ArrayShuffles {
		sink.writeLine("array_shuffle path=%s start=%d end=%d cardinal=%d", vec.Path, vec.Snapshot.StartOffset.Byte, vec.Snapshot.EndOffset.Byte, vec.Snapshot.Cardinal)
		if err := emitShuffles(vec, source, outDir, base, ext, opts.PathHash, sink, paths); err != nil {
			sink.writeLine("  warning: %v", err)
		}
	}

	return nil
}

func writeDerivative(outDir, base, ext string, offset uint64, genID string, hashed bool, source, produced []byte, at int, sink *summarySink, paths *uniquePaths) error {
	mutated := make([]byte, len(source))
	copy(mutated, source)
	copy(mutated[at:], produced)

	name := deriveName(base, offset, genID, ext, hashed)
	outPath := filepath.Join(outDir, name)
	if paths.claim(outPath) {
		sink.writeLine("  warning: duplicate output path %s, skipping", outPath)
		return nil
	}
	if err := os.WriteFile(outPath, mutated, 0o644); err != nil {
		sink.writeLine("  warning: writing %s: %v", outPath, err)
		return nil
	}
	sink.writeLine("  wrote %s", name)
	return nil
}

// emitShuffles handles one array_shuffle vector: n-1 left-rotations of the
// element byte sequence, assuming contiguous equal-width elements.
func emitShuffles(vec ArrayShuffle, source []byte, outDir, base, ext string, hashed bool, sink *summarySink, paths *uniquePaths) error {
	start, end, card := vec.Snapshot.StartOffset.Byte, vec.Snapshot.EndOffset.Byte, vec.Snapshot.Cardinal
	if card <= 1 {
		return nil
	}
	span := int(end) - int(start)
	if span <= 0 || span%int(card) != 0 {
		return errors.Errorf("array %s: non-contiguous or irregular element layout, refusing to shuffle", vec.Path)
	}
	elemWidth := span / int(card)
	prefix := source[:start]
	suffix := source[end:]
	elems := source[start:end]

	for rot := 1; rot < int(card); rot++ {
		rotated := make([]byte, len(elems))
		copy(rotated, elems[rot*elemWidth:])
		copy(rotated[len(elems)-rot*elemWidth:], elems[:rot*elemWidth])

		mutated := make([]byte, 0, len(prefix)+len(rotated)+len(suffix))
		mutated = append(mutated, prefix...)
		mutated = append(mutated, rotated...)
		mutated = append(mutated, suffix...)

		name := deriveName(base, start, fmt.Sprintf("shuffle%d", rot), ext, hashed)
		outPath := filepath.Join(outDir, name)
		if paths.claim(outPath) {
			sink.writeLine("  warning: duplicate output path %s, skipping", outPath)
			continue
		}
		if err := os.WriteFile(outPath, mutated, 0o644); err != nil {
			sink.writeLine("  warning: writing %s: %v", outPath, err)
			continue
		}
		sink.writeLine("  wrote %s", name)
	}
	return nil
}

// fuzzRecursive fans rounds out across a worker pool via errgroup. Each
// round picks a random attack vector and generator, writes one derivative,
// and with probability recursiveContinueProbability treats it as the next
// round's input. Bounded by recursiveBudget total emitted files.
func fuzzRecursive(surface *AttackSurface, opts FuzzOptions, outDir, base, ext string, sink *summarySink, paths *uniquePaths) error {
	if len(surface.AtomUsages) == 0 {
		return errors.New("fuzzer: recursive mode needs at least one atom_usage vector")
	}

	var emitted int64
	sem := make(chan struct{}, recursiveWorkers)
	g, _ := errgroup.WithContext(context.Background())

	var runRound func(inputPath string, seed uint64) error
	runRound = func(inputPath string, seed uint64) error {
		if atomic.AddInt64(&emitted, 1) > recursiveBudget {
			return nil
		}
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

		source, err := os.ReadFile(inputPath)
		if err != nil {
			sink.writeLine("warning: round could not read %s: %v", inputPath, err)
			return nil
		}

		vec := surface.AtomUsages[rng.IntN(len(surface.AtomUsages))]
		loc := vec.Snapshot.Location
		width := int(vec.Snapshot.BitCount / 8)
		if width == 0 || int(loc.Byte)+width > len(source) {
			return nil
		}
		raw := source[loc.Byte : int(loc.Byte)+width]

		kinds := []string{"zero", "ones", "less", "more", "rand", "enum"}
		kind := kinds[rng.IntN(len(kinds))]
		var gen Generator
		switch kind {
		case "zero":
			gen = GenZero(vec.Snapshot.BitCount)
		case "ones":
			gen = GenOnes(vec.Snapshot.BitCount)
		case "less":
			gen = GenLess(vec.Snapshot, raw)
		case "more":
			gen = GenMore(vec.Snapshot, raw)
		case "rand":
			gen = GenRand(vec.Snapshot.BitCount, rng)
		case "enum":
			options := vec.Snapshot.optionSetValues()
			if len(options) == 0 {
				gen = GenRand(vec.Snapshot.BitCount, rng)
			} else {
				gen = GenEnum(options[rng.IntN(len(options))], vec.Snapshot.BaseType, vec.Snapshot.BigEndian, vec.Snapshot.BitCount)
			}
		}

		produced, err := gen.Produce()
		if err != nil {
			sink.writeLine("warning: generator %s on %s: %v", gen.ID, vec.Path, err)
			return nil
		}

		mutated := make([]byte, len(source))
		copy(mutated, source)
		copy(mutated[loc.Byte:], produced)

		name := deriveName(base, loc.Byte, gen.ID, ext, true)
		outPath := filepath.Join(outDir, name)
		if paths.claim(outPath) {
			sink.writeLine("warning: duplicate output path %s, skipping", outPath)
			return nil
		}
		if err := os.WriteFile(outPath, mutated, 0o644); err != nil {
			sink.writeLine("warning: writing %s: %v", outPath, err)
			return nil
		}
		sink.writeLine("round: %s -> %s (%s)", inputPath, name, gen.ID)

		if rng.Float64() < recursiveContinueProbability && atomic.LoadInt64(&emitted) < recursiveBudget {
			nextSeed := seed*6364136223846793005 + 1
			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()
				return runRound(outPath, nextSeed)
			})
		}
		return nil
	}

	sem <- struct{}{}
	g.Go(func() error {
		defer func() { <-sem }()
		return runRound(opts.InputPath, 1)
	})
	return g.Wait()
}
