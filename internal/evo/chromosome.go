package evo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"wasp/internal/floorplan"
	"wasp/internal/model"
)

const defaultCrossoverAttempts = 1000

var ErrReproductionFailure = errors.New("reproduction failure")

// Validity reports whether a sensor may be placed on (x, y).
type Validity func(x, y int) bool

// Layout is the geometry genomes are laid over.
type Layout struct {
	Width  int
	Height int
	Valid  Validity
}

func LayoutOf(site *floorplan.Site) Layout {
	return Layout{Width: site.Width, Height: site.Height, Valid: site.Valid}
}

func (l Layout) Cells() int {
	return l.Width * l.Height
}

func (l Layout) XY(index int) (int, int) {
	y := index / l.Width
	return index - y*l.Width, y
}

func (l Layout) Index(x, y int) int {
	return x + y*l.Width
}

func (l Layout) ValidIndex(index int) bool {
	if index < 0 || index >= l.Cells() {
		return false
	}
	if l.Valid == nil {
		return true
	}
	x, y := l.XY(index)
	return l.Valid(x, y)
}

// SeedRandom places up to count sensors on distinct random valid cells. Every
// candidate is tried at most once, so it stops early when the floorplan runs
// out of valid cells.
func SeedRandom(rng *rand.Rand, layout Layout, count int) model.Genome {
	g := model.NewGenome(layout.Cells())
	candidates := make([]int, layout.Cells())
	for i := range candidates {
		candidates[i] = i
	}
	placed := 0
	for placed < count && len(candidates) > 0 {
		j := rng.Intn(len(candidates))
		idx := candidates[j]
		candidates[j] = candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
		if layout.ValidIndex(idx) {
			g.Set(idx)
			placed++
		}
	}
	return g
}

// SeedGrid places a sensor on every cell whose coordinates are multiples of
// gridSize, shifted by the offsets, skipping invalid cells.
func SeedGrid(layout Layout, gridSize, offsetX, offsetY int) model.Genome {
	g := model.NewGenome(layout.Cells())
	if gridSize <= 0 {
		return g
	}
	for x := 0; x < layout.Width; x += gridSize {
		for y := 0; y < layout.Height; y += gridSize {
			px, py := x+offsetX, y+offsetY
			if px >= layout.Width || py >= layout.Height {
				continue
			}
			idx := layout.Index(px, py)
			if layout.ValidIndex(idx) {
				g.Set(idx)
			}
		}
	}
	return g
}

// SeedGridFamily returns one grid layout per offset pair in gridSize x gridSize.
func SeedGridFamily(layout Layout, gridSize int) []model.Genome {
	out := make([]model.Genome, 0, gridSize*gridSize)
	for ox := 0; ox < gridSize; ox++ {
		for oy := 0; oy < gridSize; oy++ {
			out = append(out, SeedGrid(layout, gridSize, ox, oy))
		}
	}
	return out
}

// Mutate flips every bit independently with probability rate. Flips onto
// invalid cells are skipped.
func Mutate(rng *rand.Rand, layout Layout, g model.Genome, rate float64) {
	if rate <= 0 {
		return
	}
	for i := 0; i < g.Len(); i++ {
		if rng.Float64() < rate && layout.ValidIndex(i) {
			g.Flip(i)
		}
	}
}

type CrossoverOptions struct {
	Folds        int
	MutationRate float64
	// SizeLimit caps the child's sensor count; zero disables the cap.
	SizeLimit   int
	MaxAttempts int
}

// Crossover cuts both parents at Folds distinct points in [1, L-2] and
// alternates segments starting with parent a, then mutates the child. With a
// size limit the whole operation is retried up to MaxAttempts times.
func Crossover(rng *rand.Rand, layout Layout, a, b model.Genome, opts CrossoverOptions) (model.Genome, error) {
	if a.Len() != b.Len() {
		return model.Genome{}, fmt.Errorf("parent length mismatch: %d vs %d", a.Len(), b.Len())
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultCrossoverAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		child := crossoverOnce(rng, a, b, opts.Folds)
		Mutate(rng, layout, child, opts.MutationRate)
		if opts.SizeLimit <= 0 || child.SensorCount() <= opts.SizeLimit {
			return child, nil
		}
	}
	return model.Genome{}, fmt.Errorf("%w: no child within size limit %d after %d attempts", ErrReproductionFailure, opts.SizeLimit, attempts)
}

func crossoverOnce(rng *rand.Rand, a, b model.Genome, folds int) model.Genome {
	length := a.Len()
	points := cutPoints(rng, length, folds)
	child := model.NewGenome(length)
	parents := [2]model.Genome{a, b}
	start := 0
	for seg, end := range append(points, length) {
		src := parents[seg%2]
		for i := start; i < end; i++ {
			if src.Test(i) {
				child.Set(i)
			}
		}
		start = end
	}
	return child
}

func cutPoints(rng *rand.Rand, length, folds int) []int {
	span := length - 2
	if folds > span {
		folds = span
	}
	if folds <= 0 {
		return nil
	}
	chosen := make(map[int]struct{}, folds)
	points := make([]int, 0, folds+1)
	for len(points) < folds {
		p := 1 + rng.Intn(span)
		if _, dup := chosen[p]; dup {
			continue
		}
		chosen[p] = struct{}{}
		points = append(points, p)
	}
	sort.Ints(points)
	return points
}
