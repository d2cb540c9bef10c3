package storage

import (
	"context"
	"errors"
	"fmt"
	"math"

	"wasp/internal/model"
)

var (
	ErrNotInitialized = errors.New("store is not initialized")
	ErrNotFound       = errors.New("record not found")
	// ErrUnknownGenome is returned when a result references a layout the
	// store has never seen.
	ErrUnknownGenome = errors.New("unknown genome")
	// ErrInvalidFitness rejects NaN and infinite scores.
	ErrInvalidFitness = errors.New("fitness is not a finite number")
)

func checkFitness(op string, chromosomeID int64, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s %d: %w: %v", op, chromosomeID, ErrInvalidFitness, v)
	}
	return nil
}

// Store is the Generation Store: the durable record of every chromosome, the
// generations it belongs to, and its evaluation results. Chromosome rows are
// content addressed by genome; generation sequences are per manager.
type Store interface {
	Init(ctx context.Context) error

	ResolveManager(ctx context.Context, cfg model.ManagerConfig) (model.ManagerRecord, error)
	ListManagers(ctx context.Context) ([]model.ManagerRecord, error)

	// InsertChromosome returns the id of the row holding genome, creating it
	// when absent.
	InsertChromosome(ctx context.Context, genome model.Genome) (int64, error)
	LookupGenome(ctx context.Context, genome model.Genome) (int64, bool, error)
	GenomeExists(ctx context.Context, genome model.Genome) (bool, error)
	AddMember(ctx context.Context, generation int, managerID, chromosomeID int64) error

	GetChromosomes(ctx context.Context, generation int, managerID int64) ([]model.Chromosome, error)
	GetUnscored(ctx context.Context, generation int, managerID int64, limit int) ([]model.Chromosome, error)
	CountUnscored(ctx context.Context, generation int, managerID int64) (int, error)
	GenerationSize(ctx context.Context, generation int, managerID int64) (int, error)
	LatestCompleteGeneration(ctx context.Context, managerID int64) (int, bool, error)
	GenerationProgress(ctx context.Context, managerID int64) ([]model.GenerationProgress, error)

	// RecordFitness stores the evaluated accuracy. The first result wins;
	// applied is false when the chromosome was already scored. Non-finite
	// values fail with ErrInvalidFitness.
	RecordFitness(ctx context.Context, chromosomeID int64, accuracy float64) (applied bool, err error)
	// RecordActivityStats keeps the first counts recorded per activity.
	RecordActivityStats(ctx context.Context, chromosomeID int64, activity string, counts model.ConfusionCounts) error
	// MarkFailed sets the terminal failure marker on an unscored chromosome.
	MarkFailed(ctx context.Context, chromosomeID int64, reason string) (applied bool, err error)
	RecordFinalFitness(ctx context.Context, generation int, managerID, chromosomeID int64, fitness float64) error
}
