package evo

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"wasp/internal/model"
)

const defaultUniqueAttempts = 100

// ErrDuplicateGenome marks a child that already exists. Breeding retries on
// it and never returns it.
var ErrDuplicateGenome = errors.New("duplicate genome")

// GenomeLookup answers the global uniqueness question.
type GenomeLookup interface {
	GenomeExists(ctx context.Context, genome model.Genome) (bool, error)
}

type BreedOptions struct {
	// Population caps the next generation; zero keeps the current size.
	Population       int
	SurvivalRate     float64
	ReproductionRate float64
	Crossover        CrossoverOptions
	Selector         Selector
	// MaxUniqueAttempts bounds the retries for one child before it is skipped.
	MaxUniqueAttempts int
}

type BreedResult struct {
	Children  []model.Genome
	Survivors int
	Bred      int
	// Skipped counts children abandoned after exhausting uniqueness retries.
	Skipped int
}

// Breeder produces the next generation from a scored population.
type Breeder struct {
	Layout Layout
	Lookup GenomeLookup
	Rng    *rand.Rand
}

// BreedChildren keeps the top survival share unchanged, then lets the top
// reproduction share mate. Breeders further down the ranking get more turns,
// and every bred child must be new to both the store and this batch. The
// result is truncated to the population cap.
func (b *Breeder) BreedChildren(ctx context.Context, ranked []model.Chromosome, opts BreedOptions) (BreedResult, error) {
	n := len(ranked)
	if n == 0 {
		return BreedResult{}, fmt.Errorf("%w: empty population", ErrReproductionFailure)
	}
	if b.Rng == nil {
		return BreedResult{}, errors.New("random source is required")
	}
	selector := opts.Selector
	if selector == nil {
		selector = UniformSelector{}
	}
	capacity := opts.Population
	if capacity <= 0 {
		capacity = n
	}
	uniqueAttempts := opts.MaxUniqueAttempts
	if uniqueAttempts <= 0 {
		uniqueAttempts = defaultUniqueAttempts
	}

	sorted := make([]model.Chromosome, n)
	copy(sorted, ranked)
	SortRanked(sorted)

	var result BreedResult
	seen := make(map[string]struct{}, capacity)

	survivors := int(float64(n) * opts.SurvivalRate)
	for i := 0; i < survivors && len(result.Children) < capacity; i++ {
		key := sorted[i].Genome.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result.Children = append(result.Children, sorted[i].Genome.Clone())
		result.Survivors++
	}

	breeders := int(float64(n) * opts.ReproductionRate)
	if breeders < 1 {
		breeders = 1
	}
	if breeders > n {
		breeders = n
	}
	mates := (n - result.Survivors) / breeders
	spares := n - mates*breeders
	half := breeders / 2

	for x := 0; x < breeders && len(result.Children) < capacity; x++ {
		turns := mates
		switch {
		case x > half:
			turns = mates + (x - half)
		case x < half:
			turns = mates - (half - x)
		}
		if x < spares {
			turns++
		}
		for turn := 0; turn < turns && len(result.Children) < capacity; turn++ {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			child, err := b.uniqueChild(ctx, sorted, x, breeders, selector, opts.Crossover, uniqueAttempts, seen)
			switch {
			case errors.Is(err, ErrDuplicateGenome):
				result.Skipped++
				continue
			case err != nil:
				return result, err
			}
			seen[child.String()] = struct{}{}
			result.Children = append(result.Children, child)
			result.Bred++
		}
	}
	return result, nil
}

func (b *Breeder) uniqueChild(ctx context.Context, sorted []model.Chromosome, x, breeders int, selector Selector, cross CrossoverOptions, attempts int, seen map[string]struct{}) (model.Genome, error) {
	for attempt := 0; attempt < attempts; attempt++ {
		partner, err := selector.PickPartner(b.Rng, sorted, breeders)
		if err != nil {
			return model.Genome{}, err
		}
		child, err := Crossover(b.Rng, b.Layout, sorted[x].Genome, sorted[partner].Genome, cross)
		if err != nil {
			return model.Genome{}, err
		}
		if _, dup := seen[child.String()]; dup {
			continue
		}
		if b.Lookup != nil {
			exists, err := b.Lookup.GenomeExists(ctx, child)
			if err != nil {
				return model.Genome{}, fmt.Errorf("uniqueness lookup: %w", err)
			}
			if exists {
				continue
			}
		}
		return child, nil
	}
	return model.Genome{}, ErrDuplicateGenome
}
