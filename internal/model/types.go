package model

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Chromosome is one stored sensor layout and its evaluation state within a
// generation.
type Chromosome struct {
	ID           int64         `json:"id"`
	Genome       Genome        `json:"genome"`
	Generation   int           `json:"generation"`
	Accuracy     *float64      `json:"accuracy,omitempty"`
	Failed       bool          `json:"failed,omitempty"`
	FinalFitness *float64      `json:"final_fitness,omitempty"`
	Stats        ActivityStats `json:"stats,omitempty"`
}

// Scored reports whether the chromosome carries a result, either an accuracy
// or the terminal failure marker.
func (c Chromosome) Scored() bool {
	return c.Accuracy != nil || c.Failed
}

// Fitness is the value used for ranking: final fitness when computed,
// otherwise the raw accuracy. Failed and unscored chromosomes rank last.
func (c Chromosome) Fitness() float64 {
	switch {
	case c.FinalFitness != nil:
		return *c.FinalFitness
	case c.Accuracy != nil && !c.Failed:
		return *c.Accuracy
	default:
		return UnscoredFitness
	}
}

// UnscoredFitness is the wire value for "not evaluated yet".
const UnscoredFitness = -1.0

// ManagerConfig identifies one GA experiment. Two managers started with an
// identical config share a generation sequence.
type ManagerConfig struct {
	VersionedRecord
	WorkDir          string  `json:"work_dir" toml:"work_dir"`
	DataDir          string  `json:"data_dir" toml:"data_dir"`
	OrigDir          string  `json:"orig_dir" toml:"orig_dir"`
	SiteFile         string  `json:"site_file" toml:"site_file"`
	Population       int     `json:"population" toml:"population"`
	Crossover        int     `json:"crossover" toml:"crossover"`
	MutationRate     float64 `json:"mutation_rate" toml:"mutation_rate"`
	SurvivalRate     float64 `json:"survival_rate" toml:"survival_rate"`
	ReproductionRate float64 `json:"reproduction_rate" toml:"reproduction_rate"`
	SeedSize         int     `json:"seed_size" toml:"seed_size"`
	SizeLimit        int     `json:"size_limit,omitempty" toml:"size_limit"`
	GridSize         int     `json:"grid_size,omitempty" toml:"grid_size"`
	GreedySearch     bool    `json:"greedy_search,omitempty" toml:"greedy_search"`
	MaxGenerations   int     `json:"max_generations,omitempty" toml:"max_generations"`
	Scoring          string  `json:"scoring,omitempty" toml:"scoring"`
	Selection        string  `json:"selection,omitempty" toml:"selection"`
}

// Key is the canonical identity string of the config.
func (c ManagerConfig) Key() string {
	fields := []string{
		"work=" + c.WorkDir,
		"data=" + c.DataDir,
		"orig=" + c.OrigDir,
		"site=" + c.SiteFile,
		"population=" + strconv.Itoa(c.Population),
		"crossover=" + strconv.Itoa(c.Crossover),
		"mutation=" + formatRate(c.MutationRate),
		"survival=" + formatRate(c.SurvivalRate),
		"reproduction=" + formatRate(c.ReproductionRate),
		"seed_size=" + strconv.Itoa(c.SeedSize),
		"size_limit=" + strconv.Itoa(c.SizeLimit),
		"grid=" + strconv.Itoa(c.GridSize),
		"greedy=" + strconv.FormatBool(c.GreedySearch),
		"max_generations=" + strconv.Itoa(c.MaxGenerations),
		"scoring=" + c.Scoring,
		"selection=" + c.Selection,
	}
	return strings.Join(fields, ";")
}

func (c ManagerConfig) Validate() error {
	switch {
	case c.Population <= 0:
		return fmt.Errorf("population must be positive: %d", c.Population)
	case c.Crossover < 0:
		return fmt.Errorf("crossover folds must be non-negative: %d", c.Crossover)
	case c.MutationRate < 0 || c.MutationRate > 1:
		return fmt.Errorf("mutation rate out of range: %v", c.MutationRate)
	case c.SurvivalRate < 0 || c.SurvivalRate > 1:
		return fmt.Errorf("survival rate out of range: %v", c.SurvivalRate)
	case c.ReproductionRate <= 0 || c.ReproductionRate > 1:
		return fmt.Errorf("reproduction rate out of range: %v", c.ReproductionRate)
	case c.SeedSize < 0:
		return fmt.Errorf("seed size must be non-negative: %d", c.SeedSize)
	case c.SizeLimit < 0:
		return fmt.Errorf("size limit must be non-negative: %d", c.SizeLimit)
	case c.GridSize < 0:
		return fmt.Errorf("grid size must be non-negative: %d", c.GridSize)
	case c.MaxGenerations < 0:
		return fmt.Errorf("max generations must be non-negative: %d", c.MaxGenerations)
	}
	return nil
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ManagerRecord is a resolved manager identity.
type ManagerRecord struct {
	ID     int64         `json:"id"`
	Config ManagerConfig `json:"config"`
}

// GenerationProgress summarizes one generation of one manager.
type GenerationProgress struct {
	Generation  int      `json:"generation"`
	Members     int      `json:"members"`
	Scored      int      `json:"scored"`
	Failed      int      `json:"failed"`
	BestFitness *float64 `json:"best_fitness,omitempty"`
}

func (p GenerationProgress) Complete() bool {
	return p.Members > 0 && p.Scored == p.Members
}
