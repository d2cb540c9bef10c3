package evo

import (
	"math"
	"testing"

	"wasp/internal/model"
)

func TestComputePopulationStats(t *testing.T) {
	population := []model.Chromosome{
		scoredChromosome(t, "1100", 80, model.ActivityStats{
			"Sleep": {TP: 8, FN: 2, FP: 1, TN: 9},
		}),
		scoredChromosome(t, "0110", 60, model.ActivityStats{
			"Sleep": {TP: 6, FN: 4, FP: 2, TN: 8},
			"Cook":  {TP: 5, FN: 5, FP: 0, TN: 10},
		}),
		{Genome: mustGenome(t, "0011"), Failed: true},
		{Genome: mustGenome(t, "1001")},
	}

	got := ComputePopulationStats(population)
	if got.Evaluated != 2 || got.Failed != 1 {
		t.Fatalf("unexpected counts: evaluated=%d failed=%d", got.Evaluated, got.Failed)
	}
	if got.BestAccuracy != 80 || got.MeanAccuracy != 70 {
		t.Fatalf("unexpected accuracy summary: best=%v mean=%v", got.BestAccuracy, got.MeanAccuracy)
	}
	if math.Abs(got.StdDevAccuracy-math.Sqrt(200)) > 1e-9 {
		t.Fatalf("unexpected stddev: %v", got.StdDevAccuracy)
	}
	// Cook is missing from the first member and counts as zero there.
	want := map[string]float64{"Sleep": 55, "Cook": 25}
	for name, avg := range want {
		if math.Abs(got.ActivityAverages[name]-avg) > 1e-9 {
			t.Fatalf("%s average = %v, want %v", name, got.ActivityAverages[name], avg)
		}
	}
}

func TestComputePopulationStatsEmpty(t *testing.T) {
	got := ComputePopulationStats(nil)
	if got.Evaluated != 0 || got.MeanAccuracy != 0 || len(got.ActivityAverages) != 0 {
		t.Fatalf("unexpected stats for empty population: %+v", got)
	}
}

func mustGenome(t *testing.T, s string) model.Genome {
	t.Helper()
	g, err := model.ParseGenome(s)
	if err != nil {
		t.Fatalf("parse genome: %v", err)
	}
	return g
}
