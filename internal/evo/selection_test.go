package evo

import (
	"math/rand"
	"testing"

	"wasp/internal/model"
)

func TestUniformSelectorStaysWithinBreederPool(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	ranked := rankedPopulation(t, rng, openLayout(6, 6), 10)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		idx, err := UniformSelector{}.PickPartner(rng, ranked, 3)
		if err != nil {
			t.Fatalf("pick partner: %v", err)
		}
		if idx < 0 || idx > 3 {
			t.Fatalf("partner %d outside [0, breeders]", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected every index in [0, 3] picked, got %v", seen)
	}
}

func TestTournamentSelectorPrefersBetterRanked(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	ranked := rankedPopulation(t, rng, openLayout(6, 6), 10)
	SortRanked(ranked)
	counts := make([]int, len(ranked))
	for i := 0; i < 500; i++ {
		idx, err := TournamentSelector{PoolSize: 4, TournamentSize: 3}.PickPartner(rng, ranked, 2)
		if err != nil {
			t.Fatalf("pick partner: %v", err)
		}
		if idx >= 4 {
			t.Fatalf("partner %d outside pool", idx)
		}
		counts[idx]++
	}
	if counts[0] <= counts[3] {
		t.Fatalf("expected best member picked more often than worst: %v", counts)
	}
}

func TestSelectorsValidateInput(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	if _, err := (UniformSelector{}).PickPartner(nil, []model.Chromosome{{}}, 1); err == nil {
		t.Fatal("expected error for nil rng")
	}
	if _, err := (TournamentSelector{}).PickPartner(rng, nil, 1); err == nil {
		t.Fatal("expected error for empty population")
	}
	if _, err := (UniformSelector{}).PickPartner(rng, []model.Chromosome{{}}, 2); err == nil {
		t.Fatal("expected error for breeder count above population")
	}
}

func TestSortRankedTieBreaksOnSensorCount(t *testing.T) {
	fit := 1.0
	few, _ := model.ParseGenome("1000")
	many, _ := model.ParseGenome("1110")
	worse := 0.5
	population := []model.Chromosome{
		{Genome: many, FinalFitness: &fit},
		{Genome: few, FinalFitness: &worse},
		{Genome: few.Clone(), FinalFitness: &fit},
		{Genome: many.Clone()},
	}
	SortRanked(population)
	if population[0].Genome.SensorCount() != 1 || population[0].Fitness() != 1 {
		t.Fatalf("expected fewer sensors first on equal fitness, got %s", population[0].Genome)
	}
	if population[1].Genome.SensorCount() != 3 || population[2].Fitness() != 0.5 {
		t.Fatalf("unexpected order: %s %s", population[1].Genome, population[2].Genome)
	}
	if population[3].Fitness() != model.UnscoredFitness {
		t.Fatal("unscored chromosome must rank last")
	}
}
