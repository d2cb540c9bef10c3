package wasp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"wasp/internal/model"
)

func experiment() model.ManagerConfig {
	return model.ManagerConfig{
		WorkDir:          "/exp",
		DataDir:          "data",
		Population:       3,
		Crossover:        1,
		MutationRate:     0.01,
		SurvivalRate:     0.1,
		ReproductionRate: 0.25,
		SeedSize:         2,
	}
}

func seedStore(t *testing.T, ctx context.Context, c *Client) int64 {
	t.Helper()
	store := c.Store()
	mgr, err := store.ResolveManager(ctx, experiment())
	if err != nil {
		t.Fatalf("resolve manager: %v", err)
	}
	scores := map[string]float64{"1100": 40, "0110": 75, "0011": 60}
	for _, raw := range []string{"1100", "0110", "0011", "1001"} {
		genome, err := model.ParseGenome(raw)
		if err != nil {
			t.Fatalf("parse genome: %v", err)
		}
		id, err := store.InsertChromosome(ctx, genome)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := store.AddMember(ctx, 0, mgr.ID, id); err != nil {
			t.Fatalf("add member: %v", err)
		}
		if score, ok := scores[raw]; ok {
			if _, err := store.RecordFitness(ctx, id, score); err != nil {
				t.Fatalf("record fitness: %v", err)
			}
		}
	}
	return mgr.ID
}

func TestTopRanksScoredMembers(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Options{StoreKind: "sqlite", DSN: filepath.Join(t.TempDir(), "wasp.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	managerID := seedStore(t, ctx, c)

	top, err := c.Top(ctx, TopRequest{ManagerID: managerID, Generation: -1, Limit: 2})
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 items, got %d", len(top))
	}
	if top[0].Rank != 1 || top[0].Chromosome.Genome.String() != "0110" || top[0].Fitness != 75 {
		t.Fatalf("unexpected leader: %+v", top[0])
	}
	if top[1].Chromosome.Genome.String() != "0011" {
		t.Fatalf("unexpected runner-up: %+v", top[1])
	}

	all, err := c.Top(ctx, TopRequest{ManagerID: managerID, Generation: 0})
	if err != nil {
		t.Fatalf("top all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unscored members must be left out, got %d items", len(all))
	}
}

func TestManagersAndProgress(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	managerID := seedStore(t, ctx, c)

	managers, err := c.Managers(ctx)
	if err != nil {
		t.Fatalf("managers: %v", err)
	}
	if len(managers) != 1 || managers[0].ID != managerID || managers[0].Generations != 1 {
		t.Fatalf("unexpected managers: %+v", managers)
	}
	if latest := managers[0].Latest; latest.Members != 4 || latest.Scored != 3 || latest.Complete() {
		t.Fatalf("unexpected latest generation: %+v", latest)
	}

	progress, err := c.Progress(ctx, managerID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if len(progress) != 1 || progress[0].BestFitness == nil || *progress[0].BestFitness != 75 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestUnknownManagerAndEmptyGeneration(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := c.Progress(ctx, 42); !errors.Is(err, ErrManagerNotFound) {
		t.Fatalf("expected ErrManagerNotFound, got %v", err)
	}
	mgr, err := c.Store().ResolveManager(ctx, experiment())
	if err != nil {
		t.Fatalf("resolve manager: %v", err)
	}
	if _, err := c.Top(ctx, TopRequest{ManagerID: mgr.ID, Generation: -1}); !errors.Is(err, ErrNoGeneration) {
		t.Fatalf("expected ErrNoGeneration, got %v", err)
	}
}

func TestOpenRejectsUnknownStore(t *testing.T) {
	if _, err := Open(context.Background(), Options{StoreKind: "mongo"}); err == nil {
		t.Fatal("expected error for unknown store kind")
	}
}
