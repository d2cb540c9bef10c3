package evo

import (
	"wasp/internal/model"
)

// DefaultSensorPenalty is the fitness cost of one sensor.
const DefaultSensorPenalty = 1.0 / 20.0

// ScoringPolicy turns a chromosome's raw accuracy and per-activity results
// into a final fitness, given the population's average activity accuracy.
type ScoringPolicy interface {
	Name() string
	Score(c model.Chromosome, averages map[string]float64) float64
}

// AdditiveBonusPolicy adds (acc - avg) for every activity other than "Other"
// the chromosome recognizes better than the population average.
type AdditiveBonusPolicy struct {
	SensorPenalty float64
}

func (AdditiveBonusPolicy) Name() string {
	return "additive"
}

func (p AdditiveBonusPolicy) Score(c model.Chromosome, averages map[string]float64) float64 {
	if !hasAccuracy(c) {
		return model.UnscoredFitness
	}
	fitness := *c.Accuracy
	for name, counts := range c.Stats {
		acc := counts.Accuracy()
		avg, ok := averages[name]
		if !ok || !bonusEligible(name, acc, avg) {
			continue
		}
		fitness += acc - avg
	}
	return fitness - penalty(p.SensorPenalty, c)
}

// MultiplicativeBonusPolicy scales accuracy by acc/avg for the same set of
// activities the additive policy rewards.
type MultiplicativeBonusPolicy struct {
	SensorPenalty float64
}

func (MultiplicativeBonusPolicy) Name() string {
	return "multiplicative"
}

func (p MultiplicativeBonusPolicy) Score(c model.Chromosome, averages map[string]float64) float64 {
	if !hasAccuracy(c) {
		return model.UnscoredFitness
	}
	fitness := *c.Accuracy
	for name, counts := range c.Stats {
		acc := counts.Accuracy()
		avg, ok := averages[name]
		if !ok || avg <= 0 || !bonusEligible(name, acc, avg) {
			continue
		}
		fitness *= acc / avg
	}
	return fitness - penalty(p.SensorPenalty, c)
}

// AccuracyPolicy applies no activity bonus.
type AccuracyPolicy struct {
	SensorPenalty float64
}

func (AccuracyPolicy) Name() string {
	return "accuracy"
}

func (p AccuracyPolicy) Score(c model.Chromosome, _ map[string]float64) float64 {
	if !hasAccuracy(c) {
		return model.UnscoredFitness
	}
	return *c.Accuracy - penalty(p.SensorPenalty, c)
}

// ApplyScoring computes FinalFitness for every member and returns the
// statistics the scores were based on. The input slice is not modified.
func ApplyScoring(policy ScoringPolicy, population []model.Chromosome) ([]model.Chromosome, PopulationStats) {
	stats := ComputePopulationStats(population)
	out := make([]model.Chromosome, len(population))
	copy(out, population)
	for i := range out {
		fitness := policy.Score(out[i], stats.ActivityAverages)
		out[i].FinalFitness = &fitness
	}
	return out, stats
}

func bonusEligible(name string, acc, avg float64) bool {
	return name != model.OtherActivity && acc > 0 && avg >= 0 && acc > avg
}

func hasAccuracy(c model.Chromosome) bool {
	return c.Accuracy != nil && !c.Failed
}

func penalty(perSensor float64, c model.Chromosome) float64 {
	return perSensor * float64(c.Genome.SensorCount())
}
