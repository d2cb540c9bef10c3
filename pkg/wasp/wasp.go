// Package wasp is a read-mostly client over the Generation Store for tools
// that report on running or finished experiments.
package wasp

import (
	"context"
	"errors"
	"fmt"

	"wasp/internal/evo"
	"wasp/internal/model"
	"wasp/internal/storage"
)

const defaultDSN = "wasp.db"

var (
	ErrManagerNotFound = errors.New("manager not found")
	ErrNoGeneration    = errors.New("no scored generation")
)

type Options struct {
	StoreKind string
	DSN       string
}

type Client struct {
	store storage.Store
}

// ManagerSummary is one experiment and how far it has progressed.
type ManagerSummary struct {
	ID          int64
	Config      model.ManagerConfig
	Generations int
	// Latest is the newest generation with at least one member.
	Latest model.GenerationProgress
}

type TopRequest struct {
	ManagerID int64
	// Generation < 0 selects the newest generation with a scored member.
	Generation int
	Limit      int
}

type TopItem struct {
	Rank       int
	Fitness    float64
	Chromosome model.Chromosome
}

// Open connects to the store and creates its schema when missing.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.StoreKind == "" {
		opts.StoreKind = storage.DefaultStoreKind()
	}
	if opts.DSN == "" && opts.StoreKind == storage.KindSQLite {
		opts.DSN = defaultDSN
	}
	store, err := storage.NewStore(opts.StoreKind, opts.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, fmt.Errorf("open %s store: %w", opts.StoreKind, err)
	}
	return &Client{store: store}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Store exposes the underlying store for commands that write to it.
func (c *Client) Store() storage.Store {
	return c.store
}

func (c *Client) Managers(ctx context.Context) ([]ManagerSummary, error) {
	records, err := c.store.ListManagers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ManagerSummary, 0, len(records))
	for _, rec := range records {
		progress, err := c.store.GenerationProgress(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("manager %d: %w", rec.ID, err)
		}
		summary := ManagerSummary{ID: rec.ID, Config: rec.Config, Generations: len(progress)}
		if len(progress) > 0 {
			summary.Latest = progress[len(progress)-1]
		}
		out = append(out, summary)
	}
	return out, nil
}

func (c *Client) Progress(ctx context.Context, managerID int64) ([]model.GenerationProgress, error) {
	if err := c.checkManager(ctx, managerID); err != nil {
		return nil, err
	}
	return c.store.GenerationProgress(ctx, managerID)
}

// Top ranks the scored members of one generation, best first. Limit <= 0
// returns every scored member.
func (c *Client) Top(ctx context.Context, req TopRequest) ([]TopItem, error) {
	if err := c.checkManager(ctx, req.ManagerID); err != nil {
		return nil, err
	}
	generation := req.Generation
	if generation < 0 {
		progress, err := c.store.GenerationProgress(ctx, req.ManagerID)
		if err != nil {
			return nil, err
		}
		found := false
		for i := len(progress) - 1; i >= 0; i-- {
			if progress[i].Scored > 0 {
				generation, found = progress[i].Generation, true
				break
			}
		}
		if !found {
			return nil, ErrNoGeneration
		}
	}

	members, err := c.store.GetChromosomes(ctx, generation, req.ManagerID)
	if err != nil {
		return nil, err
	}
	scored := members[:0]
	for _, m := range members {
		if m.Scored() {
			scored = append(scored, m)
		}
	}
	evo.SortRanked(scored)
	if req.Limit > 0 && len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}
	out := make([]TopItem, len(scored))
	for i, m := range scored {
		out[i] = TopItem{Rank: i + 1, Fitness: m.Fitness(), Chromosome: m}
	}
	return out, nil
}

func (c *Client) checkManager(ctx context.Context, managerID int64) error {
	records, err := c.store.ListManagers(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.ID == managerID {
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrManagerNotFound, managerID)
}
