package evo

import (
	"gonum.org/v1/gonum/stat"

	"wasp/internal/model"
)

// PopulationStats summarizes one evaluated generation.
type PopulationStats struct {
	Evaluated        int
	Failed           int
	MeanAccuracy     float64
	StdDevAccuracy   float64
	BestAccuracy     float64
	ActivityAverages map[string]float64
}

// ComputePopulationStats averages activity accuracy over every evaluated
// member; members that did not report an activity count as zero for it.
func ComputePopulationStats(population []model.Chromosome) PopulationStats {
	out := PopulationStats{ActivityAverages: make(map[string]float64)}
	var evaluated []model.Chromosome
	for _, c := range population {
		switch {
		case c.Failed:
			out.Failed++
		case c.Accuracy != nil:
			evaluated = append(evaluated, c)
		}
	}
	out.Evaluated = len(evaluated)
	if len(evaluated) == 0 {
		return out
	}

	accuracies := make([]float64, len(evaluated))
	activities := make(map[string]struct{})
	for i, c := range evaluated {
		accuracies[i] = *c.Accuracy
		if accuracies[i] > out.BestAccuracy || i == 0 {
			out.BestAccuracy = accuracies[i]
		}
		for name := range c.Stats {
			activities[name] = struct{}{}
		}
	}
	out.MeanAccuracy = stat.Mean(accuracies, nil)
	if len(accuracies) > 1 {
		out.StdDevAccuracy = stat.StdDev(accuracies, nil)
	}

	column := make([]float64, len(evaluated))
	for name := range activities {
		for i, c := range evaluated {
			column[i] = 0
			if counts, ok := c.Stats[name]; ok {
				column[i] = counts.Accuracy()
			}
		}
		out.ActivityAverages[name] = stat.Mean(column, nil)
	}
	return out
}
