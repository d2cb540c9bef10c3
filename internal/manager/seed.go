package manager

import (
	"context"
	"fmt"
	"math/rand"

	"k8s.io/klog/v2"

	"wasp/internal/evo"
	"wasp/internal/model"
	"wasp/internal/storage"
)

const seedAttemptsPerMember = 100

// SeedGenomes builds the initial layouts for cfg: one single-sensor layout
// per valid cell for greedy search, the grid family when a grid size is set,
// otherwise Population distinct random layouts of SeedSize sensors.
func SeedGenomes(rng *rand.Rand, layout evo.Layout, cfg model.ManagerConfig) []model.Genome {
	var candidates []model.Genome
	switch {
	case cfg.GreedySearch:
		candidates = evo.GreedySeed(layout)
	case cfg.GridSize > 0:
		candidates = evo.SeedGridFamily(layout, cfg.GridSize)
	default:
		seen := make(map[string]struct{}, cfg.Population)
		for attempt := 0; len(candidates) < cfg.Population && attempt < cfg.Population*seedAttemptsPerMember; attempt++ {
			g := evo.SeedRandom(rng, layout, cfg.SeedSize)
			if g.SensorCount() == 0 {
				continue
			}
			key := g.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			candidates = append(candidates, g)
		}
		return candidates
	}

	seen := make(map[string]struct{}, len(candidates))
	out := candidates[:0]
	for _, g := range candidates {
		if g.SensorCount() == 0 {
			continue
		}
		key := g.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	return out
}

// SeedGeneration persists generation 0 for managerID unless it already has
// members. It returns the generation size.
func SeedGeneration(ctx context.Context, store storage.Store, managerID int64, layout evo.Layout, cfg model.ManagerConfig, rng *rand.Rand) (int, error) {
	size, err := store.GenerationSize(ctx, 0, managerID)
	if err != nil {
		return 0, fmt.Errorf("generation 0 size: %w", err)
	}
	if size > 0 {
		return size, nil
	}
	genomes := SeedGenomes(rng, layout, cfg)
	if len(genomes) == 0 {
		return 0, fmt.Errorf("%w: no seed layout fits the site", evo.ErrReproductionFailure)
	}
	if err := persistGeneration(ctx, store, 0, managerID, genomes); err != nil {
		return 0, err
	}
	klog.FromContext(ctx).WithName("manager").Info("Seeded generation", "managerID", managerID, "generation", 0, "members", len(genomes))
	return len(genomes), nil
}

func persistGeneration(ctx context.Context, store storage.Store, generation int, managerID int64, genomes []model.Genome) error {
	for _, g := range genomes {
		id, err := store.InsertChromosome(ctx, g)
		if err != nil {
			return fmt.Errorf("insert chromosome: %w", err)
		}
		if err := store.AddMember(ctx, generation, managerID, id); err != nil {
			return fmt.Errorf("add member %d to generation %d: %w", id, generation, err)
		}
	}
	return nil
}
