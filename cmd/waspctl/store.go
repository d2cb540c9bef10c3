package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"

	"wasp/internal/config"
	"wasp/internal/evo"
	"wasp/internal/floorplan"
	"wasp/internal/manager"
	"wasp/internal/model"
	waspapi "wasp/pkg/wasp"
)

func openClient(ctx context.Context, cfg config.File) (*waspapi.Client, error) {
	return waspapi.Open(ctx, waspapi.Options{StoreKind: cfg.Store.Kind, DSN: cfg.Store.DSN})
}

func runInit(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("init")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sf.apply(&cfg)

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	fmt.Fprintf(stdout, "initialized store=%s\n", cfg.Store.Kind)
	return nil
}

// runSeed creates generation 0 for the configured experiment without
// contacting the hub. It does nothing when the generation already exists.
func runSeed(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("seed")
	seed := fs.Int64("seed", 0, "rng seed (overrides config; 0 uses the clock)")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sf.apply(&cfg)
	if *seed != 0 {
		cfg.Manager.Seed = *seed
	}
	exp := cfg.Manager.Experiment
	site, err := floorplan.LoadSite(manager.SitePath(exp))
	if err != nil {
		return err
	}

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	store := client.Store()
	rec, err := store.ResolveManager(ctx, exp)
	if err != nil {
		return err
	}
	rng := cfg.Manager.Runtime().Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	members, err := manager.SeedGeneration(ctx, store, rec.ID, evo.LayoutOf(site), exp, rng)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "seeded manager=%d generation=0 members=%d\n", rec.ID, members)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("status")
	managerID := fs.Int64("manager", 0, "show every generation of this manager")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sf.apply(&cfg)

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if fs.Changed("manager") {
		progress, err := client.Progress(ctx, *managerID)
		if err != nil {
			return err
		}
		for _, p := range progress {
			fmt.Fprintf(stdout, "generation=%d members=%s scored=%s failed=%s best=%s complete=%t\n",
				p.Generation,
				humanize.Comma(int64(p.Members)),
				humanize.Comma(int64(p.Scored)),
				humanize.Comma(int64(p.Failed)),
				formatBest(p.BestFitness),
				p.Complete(),
			)
		}
		return nil
	}

	managers, err := client.Managers(ctx)
	if err != nil {
		return err
	}
	if len(managers) == 0 {
		fmt.Fprintln(stdout, "no managers")
		return nil
	}
	for _, m := range managers {
		fmt.Fprintf(stdout, "manager=%d work_dir=%s population=%d generations=%d latest=%d members=%s scored=%s best=%s\n",
			m.ID,
			m.Config.WorkDir,
			m.Config.Population,
			m.Generations,
			m.Latest.Generation,
			humanize.Comma(int64(m.Latest.Members)),
			humanize.Comma(int64(m.Latest.Scored)),
			formatBest(m.Latest.BestFitness),
		)
	}
	return nil
}

func runTop(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("top")
	managerID := fs.Int64("manager", 0, "manager id (see waspctl status)")
	generation := fs.Int("generation", -1, "generation to rank (-1 for the newest with results)")
	limit := fs.Int("limit", 10, "max layouts to print (<=0 for all)")
	render := fs.Bool("render", false, "draw each layout over the site grid")
	jsonOut := fs.Bool("json", false, "emit the ranking as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !fs.Changed("manager") {
		return errors.New("top requires --manager")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sf.apply(&cfg)

	client, err := openClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	top, err := client.Top(ctx, waspapi.TopRequest{ManagerID: *managerID, Generation: *generation, Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(top)
	}

	var site *floorplan.Site
	if *render && len(top) > 0 {
		site, err = siteFor(ctx, client, *managerID)
		if err != nil {
			return err
		}
	}
	for _, item := range top {
		c := item.Chromosome
		fmt.Fprintf(stdout, "rank=%d fitness=%.4f accuracy=%s sensors=%d generation=%d genome=%s\n",
			item.Rank,
			item.Fitness,
			formatBest(c.Accuracy),
			c.Genome.SensorCount(),
			c.Generation,
			c.Genome.String(),
		)
		if site != nil {
			fmt.Fprintln(stdout, site.Render(c.Genome))
		}
	}
	return nil
}

func siteFor(ctx context.Context, client *waspapi.Client, managerID int64) (*floorplan.Site, error) {
	managers, err := client.Managers(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range managers {
		if m.ID == managerID {
			return floorplan.LoadSite(manager.SitePath(m.Config))
		}
	}
	return nil, waspapi.ErrManagerNotFound
}

func formatBest(v *float64) string {
	if v == nil {
		return "-"
	}
	if *v == model.UnscoredFitness {
		return "unscored"
	}
	return humanize.FtoaWithDigits(*v, 4)
}
