package evo

import (
	"sort"

	"wasp/internal/model"
)

// Less orders by fitness descending, then sensor count ascending, then genome
// string so that ranking is reproducible.
func Less(a, b model.Chromosome) bool {
	fa, fb := a.Fitness(), b.Fitness()
	if fa != fb {
		return fa > fb
	}
	sa, sb := a.Genome.SensorCount(), b.Genome.SensorCount()
	if sa != sb {
		return sa < sb
	}
	return a.Genome.String() < b.Genome.String()
}

// SortRanked sorts in place, best first.
func SortRanked(population []model.Chromosome) {
	sort.SliceStable(population, func(i, j int) bool {
		return Less(population[i], population[j])
	})
}
