package evo

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"wasp/internal/model"
)

type mapLookup map[string]struct{}

func (m mapLookup) GenomeExists(_ context.Context, g model.Genome) (bool, error) {
	_, ok := m[g.String()]
	return ok, nil
}

type failingLookup struct{}

func (failingLookup) GenomeExists(context.Context, model.Genome) (bool, error) {
	return false, errors.New("store unreachable")
}

func rankedPopulation(t *testing.T, rng *rand.Rand, layout Layout, n int) []model.Chromosome {
	t.Helper()
	out := make([]model.Chromosome, 0, n)
	seen := map[string]struct{}{}
	for len(out) < n {
		g := SeedRandom(rng, layout, 6)
		if _, dup := seen[g.String()]; dup {
			continue
		}
		seen[g.String()] = struct{}{}
		acc := float64(n - len(out))
		out = append(out, model.Chromosome{ID: int64(len(out) + 1), Genome: g, Accuracy: &acc})
	}
	return out
}

func TestBreedChildrenElitismUniquenessAndCap(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	layout := diagonalBlocked(10, 10)
	population := rankedPopulation(t, rng, layout, 30)

	existing := mapLookup{}
	for _, c := range population {
		existing[c.Genome.String()] = struct{}{}
	}

	breeder := &Breeder{Layout: layout, Lookup: existing, Rng: rng}
	result, err := breeder.BreedChildren(context.Background(), population, BreedOptions{
		Population:       30,
		SurvivalRate:     0.10,
		ReproductionRate: 0.25,
		Crossover:        CrossoverOptions{Folds: 2, MutationRate: 0.005},
	})
	if err != nil {
		t.Fatalf("breed: %v", err)
	}
	if len(result.Children) != 30 {
		t.Fatalf("expected population cap of 30 children, got %d", len(result.Children))
	}
	if result.Survivors != 3 {
		t.Fatalf("expected 3 survivors, got %d", result.Survivors)
	}
	for i := 0; i < 3; i++ {
		if !result.Children[i].Equal(population[i].Genome) {
			t.Fatalf("survivor %d is not the elite member", i)
		}
	}
	seen := map[string]struct{}{}
	for i, child := range result.Children {
		assertValid(t, layout, child)
		key := child.String()
		if _, dup := seen[key]; dup {
			t.Fatalf("duplicate child %d", i)
		}
		seen[key] = struct{}{}
		if i >= result.Survivors {
			if _, ok := existing[key]; ok {
				t.Fatalf("bred child %d already exists in the store", i)
			}
		}
	}
}

func TestBreedChildrenSkipsWhenNoNovelChildPossible(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	layout := openLayout(2, 2)
	g, _ := model.ParseGenome("1000")
	acc := 1.0
	population := []model.Chromosome{{Genome: g, Accuracy: &acc}}

	breeder := &Breeder{Layout: layout, Lookup: mapLookup{"1000": {}}, Rng: rng}
	result, err := breeder.BreedChildren(context.Background(), population, BreedOptions{
		Population:        1,
		ReproductionRate:  1,
		Crossover:         CrossoverOptions{Folds: 1},
		MaxUniqueAttempts: 5,
	})
	if err != nil {
		t.Fatalf("breed: %v", err)
	}
	if result.Skipped == 0 || len(result.Children) != 0 {
		t.Fatalf("expected skipped child, got %+v", result)
	}
}

func TestBreedChildrenSurfacesFailures(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	layout := openLayout(4, 4)
	population := rankedPopulation(t, rng, layout, 4)

	breeder := &Breeder{Layout: layout, Lookup: failingLookup{}, Rng: rng}
	if _, err := breeder.BreedChildren(context.Background(), population, BreedOptions{ReproductionRate: 0.5, Crossover: CrossoverOptions{Folds: 1}}); err == nil {
		t.Fatal("expected lookup failure to surface")
	}

	full := model.NewGenome(layout.Cells())
	for i := 0; i < layout.Cells(); i++ {
		full.Set(i)
	}
	acc := 1.0
	dense := []model.Chromosome{{Genome: full, Accuracy: &acc}, {Genome: full.Clone(), Accuracy: &acc}}
	breeder.Lookup = nil
	_, err := breeder.BreedChildren(context.Background(), dense, BreedOptions{
		ReproductionRate: 0.5,
		Crossover:        CrossoverOptions{Folds: 1, SizeLimit: 1, MaxAttempts: 3},
	})
	if !errors.Is(err, ErrReproductionFailure) {
		t.Fatalf("expected reproduction failure, got %v", err)
	}

	if _, err := breeder.BreedChildren(context.Background(), nil, BreedOptions{}); !errors.Is(err, ErrReproductionFailure) {
		t.Fatalf("expected empty population failure, got %v", err)
	}
}

func TestGreedyBreedAddsOneSensorToTopPerformers(t *testing.T) {
	layout := diagonalBlocked(3, 3)
	seeds := GreedySeed(layout)
	if len(seeds) != 6 {
		t.Fatalf("expected one seed per valid cell, got %d", len(seeds))
	}

	accA, accB := 1.0, 1.0
	population := []model.Chromosome{
		{Genome: seeds[0], Accuracy: &accA, Stats: model.ActivityStats{"Sleep": {TP: 9, FN: 1, TN: 10}}},
		{Genome: seeds[1], Accuracy: &accB, Stats: model.ActivityStats{"Sleep": {TP: 5, FN: 5, TN: 10}}},
	}
	children := GreedyBreed(layout, population)
	if len(children) != 5 {
		t.Fatalf("expected 5 children from the Sleep leader, got %d", len(children))
	}
	for _, child := range children {
		assertValid(t, layout, child)
		if child.SensorCount() != 2 || !child.Test(seeds[0].Sensors()[0]) {
			t.Fatalf("child does not extend the leader: %s", child)
		}
	}
}
