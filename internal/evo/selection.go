package evo

import (
	"fmt"
	"math/rand"

	"wasp/internal/model"
)

// Selector picks the mate for a breeder from the ranked population. It
// returns an index into ranked.
type Selector interface {
	Name() string
	PickPartner(rng *rand.Rand, ranked []model.Chromosome, breeders int) (int, error)
}

// UniformSelector picks uniformly from the first breeders+1 ranked members.
type UniformSelector struct{}

func (UniformSelector) Name() string {
	return "uniform"
}

func (UniformSelector) PickPartner(rng *rand.Rand, ranked []model.Chromosome, breeders int) (int, error) {
	if err := checkSelection(rng, ranked, breeders); err != nil {
		return 0, err
	}
	limit := breeders + 1
	if limit > len(ranked) {
		limit = len(ranked)
	}
	return rng.Intn(limit), nil
}

// TournamentSelector samples candidates from the breeder pool and picks the
// best ranked among them.
type TournamentSelector struct {
	PoolSize       int
	TournamentSize int
}

func (TournamentSelector) Name() string {
	return "tournament"
}

func (s TournamentSelector) PickPartner(rng *rand.Rand, ranked []model.Chromosome, breeders int) (int, error) {
	if err := checkSelection(rng, ranked, breeders); err != nil {
		return 0, err
	}

	poolSize := s.PoolSize
	if poolSize <= 0 {
		poolSize = breeders * 2
	}
	if poolSize < breeders {
		poolSize = breeders
	}
	if poolSize > len(ranked) {
		poolSize = len(ranked)
	}

	tournamentSize := s.TournamentSize
	if tournamentSize <= 0 {
		tournamentSize = 3
	}
	if tournamentSize > poolSize {
		tournamentSize = poolSize
	}

	best := rng.Intn(poolSize)
	for i := 1; i < tournamentSize; i++ {
		candidate := rng.Intn(poolSize)
		if Less(ranked[candidate], ranked[best]) {
			best = candidate
		}
	}
	return best, nil
}

func checkSelection(rng *rand.Rand, ranked []model.Chromosome, breeders int) error {
	if rng == nil {
		return fmt.Errorf("random source is required")
	}
	if len(ranked) == 0 {
		return fmt.Errorf("empty population")
	}
	if breeders <= 0 || breeders > len(ranked) {
		return fmt.Errorf("invalid breeder count: %d", breeders)
	}
	return nil
}
