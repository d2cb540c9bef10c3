package evo

import (
	"math"
	"testing"

	"wasp/internal/model"
)

func scoredChromosome(t *testing.T, genome string, accuracy float64, stats model.ActivityStats) model.Chromosome {
	t.Helper()
	g, err := model.ParseGenome(genome)
	if err != nil {
		t.Fatalf("parse genome: %v", err)
	}
	acc := accuracy
	return model.Chromosome{Genome: g, Accuracy: &acc, Stats: stats}
}

func TestAdditiveBonusPolicy(t *testing.T) {
	// Sleep accuracy 70, Cook accuracy 50, Other accuracy 90
	c := scoredChromosome(t, "1100", 80, model.ActivityStats{
		"Sleep":             {TP: 8, FN: 2, FP: 1, TN: 9},
		"Cook":              {TP: 5, FN: 5, FP: 0, TN: 10},
		model.OtherActivity: {TP: 9, FN: 1, FP: 0, TN: 10},
	})
	averages := map[string]float64{"Sleep": 60, "Cook": 55, model.OtherActivity: 10}
	got := AdditiveBonusPolicy{SensorPenalty: DefaultSensorPenalty}.Score(c, averages)
	want := 80.0 + 10 - 2.0/20.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMultiplicativeAndAccuracyPolicies(t *testing.T) {
	c := scoredChromosome(t, "1000", 50, model.ActivityStats{
		"Sleep": {TP: 8, FN: 2, FP: 1, TN: 9},
	})
	averages := map[string]float64{"Sleep": 35}
	got := MultiplicativeBonusPolicy{SensorPenalty: 1}.Score(c, averages)
	if math.Abs(got-(50*2-1)) > 1e-9 {
		t.Fatalf("unexpected multiplicative score %v", got)
	}
	got = AccuracyPolicy{SensorPenalty: 1}.Score(c, averages)
	if math.Abs(got-49) > 1e-9 {
		t.Fatalf("unexpected accuracy score %v", got)
	}
}

func TestPoliciesLeaveFailedChromosomesUnscored(t *testing.T) {
	c := scoredChromosome(t, "1", 90, nil)
	c.Failed = true
	for _, name := range ListScoringPolicies() {
		policy, err := ScoringPolicyByName(name)
		if err != nil {
			t.Fatalf("policy %s: %v", name, err)
		}
		if got := policy.Score(c, nil); got != model.UnscoredFitness {
			t.Fatalf("policy %s scored a failed chromosome: %v", name, got)
		}
	}
}

func TestApplyScoringUsesPopulationAverages(t *testing.T) {
	population := []model.Chromosome{
		scoredChromosome(t, "10", 0.8, model.ActivityStats{"Sleep": {TP: 10, TN: 10}}),
		scoredChromosome(t, "01", 0.6, model.ActivityStats{}),
	}
	scored, stats := ApplyScoring(AdditiveBonusPolicy{}, population)
	if stats.Evaluated != 2 {
		t.Fatalf("expected 2 evaluated, got %d", stats.Evaluated)
	}
	if math.Abs(stats.ActivityAverages["Sleep"]-50) > 1e-9 {
		t.Fatalf("expected Sleep average 50, got %v", stats.ActivityAverages["Sleep"])
	}
	if math.Abs(stats.MeanAccuracy-0.7) > 1e-9 {
		t.Fatalf("unexpected mean accuracy %v", stats.MeanAccuracy)
	}
	if scored[0].FinalFitness == nil || math.Abs(*scored[0].FinalFitness-50.8) > 1e-9 {
		t.Fatalf("unexpected final fitness %+v", scored[0].FinalFitness)
	}
	if population[0].FinalFitness != nil {
		t.Fatal("input population must not be modified")
	}
}
