package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"wasp/internal/evo"
	"wasp/internal/model"
	"wasp/internal/protocol"
	"wasp/internal/storage"
)

const exhaustedReason = "work budget for generation exhausted"

var tracer = otel.Tracer("wasp/manager")

func (d *Driver) enterGeneration(ctx context.Context, generation int) {
	d.generation = generation
	d.workPasses = 0
	d.inflight = make(map[string]int64)
	now := d.now()
	d.generationStarted = now
	d.lastProgress = now
	d.state = StateGenerationInProgress
	d.logger.Info("Starting generation", "managerID", d.managerID, "generation", generation)
	d.submitWork(ctx)
}

// submitWork sends every unscored member of the current generation that has
// no job in flight, up to the batch limit. Without a hub connection the
// driver waits for workers instead.
func (d *Driver) submitWork(ctx context.Context) {
	if !d.connected {
		d.state = StateAwaitingWorkers
		return
	}
	if d.workPasses >= d.cfg.MaxWorkPerGeneration {
		d.exhaust(ctx)
		return
	}
	unscored, err := d.store.GetUnscored(ctx, d.generation, d.managerID, d.cfg.SubmitBatch)
	if err != nil {
		d.logger.Error(err, "Listing unscored layouts failed", "managerID", d.managerID, "generation", d.generation)
		return
	}
	if len(unscored) == 0 {
		d.checkComplete(ctx)
		return
	}

	d.workPasses++
	d.state = StateGenerationInProgress
	d.lastProgress = d.now()

	busy := make(map[int64]bool, len(d.inflight))
	for _, id := range d.inflight {
		busy[id] = true
	}
	submitted := 0
	for _, c := range unscored {
		if busy[c.ID] {
			continue
		}
		jobID := uuid.NewString()
		payload := protocol.NewChromosomePayload(c)
		payload.Filename = jobID + ".xml"
		payload.Generation = d.generation
		msg := protocol.JobSubmit{
			JobID:      jobID,
			RunID:      d.cfg.RunID,
			Chromosome: payload,
			DataFiles:  d.files.dataNames(),
			OrigFiles:  d.files.origNames(),
		}
		if err := d.sender.Send(msg); err != nil {
			d.logger.Error(err, "Submitting job failed", "jobID", jobID, "chromosomeID", c.ID)
			d.state = StateAwaitingWorkers
			return
		}
		d.inflight[jobID] = c.ID
		submitted++
	}
	d.logger.Info("Submitted work", "managerID", d.managerID, "generation", d.generation, "jobs", submitted, "pass", d.workPasses)
}

// exhaust marks every remaining unscored member failed so the generation
// can close.
func (d *Driver) exhaust(ctx context.Context) {
	d.logger.Info("Work budget exhausted, failing unscored layouts", "managerID", d.managerID, "generation", d.generation, "passes", d.workPasses)
	for {
		unscored, err := d.store.GetUnscored(ctx, d.generation, d.managerID, d.cfg.SubmitBatch)
		if err != nil {
			d.fail(fmt.Errorf("list unscored: %w", err))
			return
		}
		if len(unscored) == 0 {
			break
		}
		for _, c := range unscored {
			if _, err := d.store.MarkFailed(ctx, c.ID, exhaustedReason); err != nil {
				d.fail(fmt.Errorf("mark chromosome %d failed: %w", c.ID, err))
				return
			}
		}
	}
	d.inflight = make(map[string]int64)
	d.state = StateGenerationInProgress
	d.checkComplete(ctx)
}

func (d *Driver) handleCompleted(ctx context.Context, m protocol.JobCompleted) {
	if !d.claim(m.JobID) {
		d.logger.V(2).Info("Duplicate completion", "jobID", m.JobID)
		return
	}
	d.lastProgress = d.now()

	id, ok := d.resolve(ctx, m.JobID, m.Chromosome)
	if ok {
		d.recordResult(ctx, m.JobID, id, m.Chromosome)
	}
	d.release(m.JobID, id)
	d.checkComplete(ctx)
}

// handleFailed marks the layout failed once the hub gave up on it. Retry
// notices are informational.
func (d *Driver) handleFailed(ctx context.Context, m protocol.JobFailed) {
	if !m.Permanent {
		d.logger.V(2).Info("Job attempt failed", "jobID", m.JobID, "attempt", m.Attempts, "reason", m.Reason)
		return
	}
	if !d.claim(m.JobID) {
		return
	}
	d.lastProgress = d.now()

	id, ok := d.resolve(ctx, m.JobID, m.Chromosome)
	if ok {
		applied, err := d.store.MarkFailed(ctx, id, m.Reason)
		switch {
		case err != nil:
			d.logger.Error(err, "Recording failure failed", "jobID", m.JobID, "chromosomeID", id)
		case applied:
			d.logger.Info("Layout failed", "jobID", m.JobID, "chromosomeID", id, "attempt", m.Attempts, "reason", m.Reason)
		}
	}
	d.release(m.JobID, id)
	d.checkComplete(ctx)
}

// claim records jobID as handled and reports whether it was new.
func (d *Driver) claim(jobID string) bool {
	if jobID != "" {
		if _, dup := d.processed[jobID]; dup {
			return false
		}
		d.processed[jobID] = struct{}{}
	}
	return true
}

// resolve maps a result back to its stored chromosome. Results for layouts
// the store has never seen are logged and dropped.
func (d *Driver) resolve(ctx context.Context, jobID string, p protocol.ChromosomePayload) (int64, bool) {
	genome, err := p.ParseGenome()
	if err != nil {
		d.logger.Error(err, "Dropping result with malformed genome", "jobID", jobID)
		return 0, false
	}
	id, ok, err := d.store.LookupGenome(ctx, genome)
	if err != nil {
		d.logger.Error(err, "Genome lookup failed", "jobID", jobID)
		return 0, false
	}
	if !ok {
		d.logger.Error(storage.ErrUnknownGenome, "Dropping result", "jobID", jobID, "generation", p.Generation)
		return 0, false
	}
	return id, true
}

// recordResult stores activity counts before the accuracy, so a scored
// chromosome always has its stats.
func (d *Driver) recordResult(ctx context.Context, jobID string, id int64, p protocol.ChromosomePayload) {
	stats, err := p.ParseStats()
	if err != nil {
		d.logger.Error(err, "Ignoring malformed activity info", "jobID", jobID, "chromosomeID", id)
		stats = nil
	}
	for _, name := range stats.Activities() {
		if err := d.store.RecordActivityStats(ctx, id, name, stats[name]); err != nil {
			d.logger.Error(err, "Recording activity stats failed", "chromosomeID", id, "activity", name)
		}
	}
	applied, err := d.store.RecordFitness(ctx, id, p.Fitness)
	if err != nil {
		d.logger.Error(err, "Recording fitness failed", "jobID", jobID, "chromosomeID", id)
		return
	}
	if !applied {
		d.logger.V(2).Info("Layout already scored", "jobID", jobID, "chromosomeID", id)
		return
	}
	d.logger.V(2).Info("Layout scored", "jobID", jobID, "chromosomeID", id, "accuracy", p.Fitness, "generation", d.generation)
}

// release forgets jobID and every other job evaluating the same chromosome.
func (d *Driver) release(jobID string, chromosomeID int64) {
	delete(d.inflight, jobID)
	if chromosomeID == 0 {
		return
	}
	for other, id := range d.inflight {
		if id == chromosomeID {
			delete(d.inflight, other)
		}
	}
}

// checkComplete closes the generation once nothing is in flight and the
// store agrees that every member has a result. Members left unscored are
// resubmitted.
func (d *Driver) checkComplete(ctx context.Context) {
	if d.state != StateGenerationInProgress || len(d.inflight) > 0 {
		return
	}
	n, err := d.store.CountUnscored(ctx, d.generation, d.managerID)
	if err != nil {
		d.logger.Error(err, "Counting unscored layouts failed", "managerID", d.managerID, "generation", d.generation)
		return
	}
	if n > 0 {
		d.submitWork(ctx)
		return
	}
	d.state = StateGenerationComplete
	d.logger.Info("Generation complete", "managerID", d.managerID, "generation", d.generation, "passes", d.workPasses)
	if next, ok := d.advance(ctx); ok {
		d.enterGeneration(ctx, next)
	}
}

// advance scores the current generation and makes sure the next one exists.
// It reports false when the driver finished instead.
func (d *Driver) advance(ctx context.Context) (int, bool) {
	d.state = StateAdvancing
	ctx, span := tracer.Start(ctx, "manager.advance", trace.WithAttributes(
		attribute.Int64("wasp.manager_id", d.managerID),
		attribute.Int("wasp.generation", d.generation),
	))
	defer span.End()

	next, err := d.advanceGeneration(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.fail(err)
		return 0, false
	}
	if d.state == StateFinished {
		return 0, false
	}
	return next, true
}

func (d *Driver) advanceGeneration(ctx context.Context) (int, error) {
	ranked, err := d.scoreGeneration(ctx)
	if err != nil {
		return 0, err
	}
	if d.quitGeneration {
		d.finish("quit-generation")
		return 0, nil
	}
	next := d.generation + 1
	if limit := d.cfg.Experiment.MaxGenerations; limit > 0 && next >= limit {
		d.finish("max generations reached")
		return 0, nil
	}

	size, err := d.store.GenerationSize(ctx, next, d.managerID)
	if err != nil {
		return 0, fmt.Errorf("generation %d size: %w", next, err)
	}
	if size > 0 {
		d.logger.Info("Reusing existing generation", "managerID", d.managerID, "generation", next, "members", size)
		return next, nil
	}

	children, err := d.breed(ctx, ranked)
	if err != nil {
		return 0, fmt.Errorf("breed generation %d: %w", next, err)
	}
	if len(children) == 0 {
		d.finish("greedy search exhausted")
		return 0, nil
	}
	if err := persistGeneration(ctx, d.store, next, d.managerID, children); err != nil {
		return 0, err
	}
	return next, nil
}

// scoreGeneration applies the scoring policy and persists final fitness for
// every member.
func (d *Driver) scoreGeneration(ctx context.Context) ([]model.Chromosome, error) {
	members, err := d.store.GetChromosomes(ctx, d.generation, d.managerID)
	if err != nil {
		return nil, fmt.Errorf("load generation %d: %w", d.generation, err)
	}
	scored, stats := evo.ApplyScoring(d.policy, members)
	for _, c := range scored {
		if err := d.store.RecordFinalFitness(ctx, d.generation, d.managerID, c.ID, *c.FinalFitness); err != nil {
			return nil, fmt.Errorf("record final fitness for %d: %w", c.ID, err)
		}
	}
	evo.SortRanked(scored)
	kv := []any{"managerID", d.managerID, "generation", d.generation, "evaluated", stats.Evaluated, "failed", stats.Failed,
		"meanAccuracy", stats.MeanAccuracy, "bestAccuracy", stats.BestAccuracy}
	if len(scored) > 0 {
		kv = append(kv, "bestFitness", scored[0].Fitness(), "bestSensors", scored[0].Genome.SensorCount())
	}
	d.logger.Info("Scored generation", kv...)
	return scored, nil
}

// breed returns no children and no error once greedy search has grown every
// layout it can.
func (d *Driver) breed(ctx context.Context, ranked []model.Chromosome) ([]model.Genome, error) {
	exp := d.cfg.Experiment
	if exp.GreedySearch {
		children := evo.GreedyBreed(d.layout, ranked)
		if len(children) == 0 {
			return nil, nil
		}
		d.logger.Info("Bred generation", "managerID", d.managerID, "generation", d.generation+1, "children", len(children), "greedy", true)
		return children, nil
	}

	res, err := d.breeder.BreedChildren(ctx, ranked, evo.BreedOptions{
		Population:       exp.Population,
		SurvivalRate:     exp.SurvivalRate,
		ReproductionRate: exp.ReproductionRate,
		Crossover: evo.CrossoverOptions{
			Folds:        exp.Crossover,
			MutationRate: exp.MutationRate,
			SizeLimit:    exp.SizeLimit,
		},
		Selector: d.selector,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Children) == 0 {
		return nil, fmt.Errorf("%w: no children", evo.ErrReproductionFailure)
	}
	if res.Skipped > 0 {
		d.logger.Info("Skipped children without a unique layout", "generation", d.generation+1, "skipped", res.Skipped)
	}
	d.logger.Info("Bred generation", "managerID", d.managerID, "generation", d.generation+1, "children", len(res.Children), "survivors", res.Survivors, "bred", res.Bred)
	return res.Children, nil
}
