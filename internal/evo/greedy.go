package evo

import (
	"wasp/internal/model"
)

// GreedySeed returns one single-sensor layout per valid cell.
func GreedySeed(layout Layout) []model.Genome {
	var out []model.Genome
	for i := 0; i < layout.Cells(); i++ {
		if !layout.ValidIndex(i) {
			continue
		}
		g := model.NewGenome(layout.Cells())
		g.Set(i)
		out = append(out, g)
	}
	return out
}

// TopActivityPerformers returns, per activity, the index of the member with
// the highest positive activity accuracy. Ties keep the earliest member.
func TopActivityPerformers(population []model.Chromosome) map[string]int {
	top := make(map[string]int)
	best := make(map[string]float64)
	for i, c := range population {
		if c.Failed || c.Accuracy == nil {
			continue
		}
		for name, counts := range c.Stats {
			acc := counts.Accuracy()
			if acc <= 0 {
				continue
			}
			if prev, ok := best[name]; !ok || acc > prev {
				best[name] = acc
				top[name] = i
			}
		}
	}
	return top
}

// GreedyBreed grows the best layout for each activity by one sensor on every
// empty valid cell. Children are unique within the batch; layouts already in
// the store are kept so their recorded score carries over.
func GreedyBreed(layout Layout, population []model.Chromosome) []model.Genome {
	top := TopActivityPerformers(population)
	parents := make(map[int]struct{}, len(top))
	for _, idx := range top {
		parents[idx] = struct{}{}
	}

	seen := make(map[string]struct{})
	var out []model.Genome
	for i := 0; i < layout.Cells(); i++ {
		if !layout.ValidIndex(i) {
			continue
		}
		for idx := range population {
			if _, ok := parents[idx]; !ok {
				continue
			}
			parent := population[idx].Genome
			if parent.Test(i) {
				continue
			}
			child := parent.Clone()
			child.Set(i)
			key := child.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}
