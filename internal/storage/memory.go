package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"wasp/internal/model"
)

type memberKey struct {
	managerID  int64
	generation int
}

type chromosomeRow struct {
	genome   model.Genome
	accuracy *float64
	failed   bool
	reason   string
	stats    model.ActivityStats
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	nextID      int64
	nextManager int64
	rows        map[int64]*chromosomeRow
	byGenome    map[string]int64
	members     map[memberKey]map[int64]*float64
	managers    map[string]model.ManagerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.nextID = 0
	s.nextManager = 0
	s.rows = make(map[int64]*chromosomeRow)
	s.byGenome = make(map[string]int64)
	s.members = make(map[memberKey]map[int64]*float64)
	s.managers = make(map[string]model.ManagerRecord)
	return nil
}

func (s *MemoryStore) ResolveManager(_ context.Context, cfg model.ManagerConfig) (model.ManagerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return model.ManagerRecord{}, ErrNotInitialized
	}
	key := cfg.Key()
	if rec, ok := s.managers[key]; ok {
		return rec, nil
	}
	s.nextManager++
	rec := model.ManagerRecord{ID: s.nextManager, Config: cfg}
	s.managers[key] = rec
	return rec, nil
}

func (s *MemoryStore) ListManagers(_ context.Context) ([]model.ManagerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	out := make([]model.ManagerRecord, 0, len(s.managers))
	for _, rec := range s.managers {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertChromosome(_ context.Context, genome model.Genome) (int64, error) {
	if genome.Len() == 0 {
		return 0, fmt.Errorf("insert chromosome: empty genome")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	key := genome.String()
	if id, ok := s.byGenome[key]; ok {
		return id, nil
	}
	s.nextID++
	s.rows[s.nextID] = &chromosomeRow{genome: genome.Clone(), stats: model.ActivityStats{}}
	s.byGenome[key] = s.nextID
	return s.nextID, nil
}

func (s *MemoryStore) LookupGenome(_ context.Context, genome model.Genome) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, false, ErrNotInitialized
	}
	id, ok := s.byGenome[genome.String()]
	return id, ok, nil
}

func (s *MemoryStore) GenomeExists(ctx context.Context, genome model.Genome) (bool, error) {
	_, ok, err := s.LookupGenome(ctx, genome)
	return ok, err
}

func (s *MemoryStore) AddMember(_ context.Context, generation int, managerID, chromosomeID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if _, ok := s.rows[chromosomeID]; !ok {
		return fmt.Errorf("add member %d: %w", chromosomeID, ErrNotFound)
	}
	key := memberKey{managerID: managerID, generation: generation}
	set, ok := s.members[key]
	if !ok {
		set = make(map[int64]*float64)
		s.members[key] = set
	}
	if _, exists := set[chromosomeID]; !exists {
		set[chromosomeID] = nil
	}
	return nil
}

func (s *MemoryStore) GetChromosomes(_ context.Context, generation int, managerID int64) ([]model.Chromosome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.collect(generation, managerID, func(*chromosomeRow) bool { return true }, 0), nil
}

func (s *MemoryStore) GetUnscored(_ context.Context, generation int, managerID int64, limit int) ([]model.Chromosome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.collect(generation, managerID, unscoredRow, limit), nil
}

func (s *MemoryStore) CountUnscored(_ context.Context, generation int, managerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	count := 0
	for id := range s.members[memberKey{managerID: managerID, generation: generation}] {
		if unscoredRow(s.rows[id]) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GenerationSize(_ context.Context, generation int, managerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	return len(s.members[memberKey{managerID: managerID, generation: generation}]), nil
}

func (s *MemoryStore) LatestCompleteGeneration(ctx context.Context, managerID int64) (int, bool, error) {
	progress, err := s.GenerationProgress(ctx, managerID)
	if err != nil {
		return 0, false, err
	}
	for i := len(progress) - 1; i >= 0; i-- {
		if progress[i].Complete() {
			return progress[i].Generation, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) GenerationProgress(_ context.Context, managerID int64) ([]model.GenerationProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	var out []model.GenerationProgress
	for key, set := range s.members {
		if key.managerID != managerID || len(set) == 0 {
			continue
		}
		p := model.GenerationProgress{Generation: key.generation, Members: len(set)}
		for id, final := range set {
			row := s.rows[id]
			if !unscoredRow(row) {
				p.Scored++
			}
			if row.failed {
				p.Failed++
			}
			value := final
			if value == nil && !row.failed {
				value = row.accuracy
			}
			if value != nil && (p.BestFitness == nil || *value > *p.BestFitness) {
				best := *value
				p.BestFitness = &best
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (s *MemoryStore) RecordFitness(_ context.Context, chromosomeID int64, accuracy float64) (bool, error) {
	if err := checkFitness("record fitness", chromosomeID, accuracy); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	row, ok := s.rows[chromosomeID]
	if !ok {
		return false, fmt.Errorf("record fitness %d: %w", chromosomeID, ErrNotFound)
	}
	if !unscoredRow(row) {
		return false, nil
	}
	row.accuracy = &accuracy
	return true, nil
}

func (s *MemoryStore) RecordActivityStats(_ context.Context, chromosomeID int64, activity string, counts model.ConfusionCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	row, ok := s.rows[chromosomeID]
	if !ok {
		return fmt.Errorf("record activity stats %d: %w", chromosomeID, ErrNotFound)
	}
	if _, exists := row.stats[activity]; !exists {
		row.stats[activity] = counts
	}
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, chromosomeID int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return false, ErrNotInitialized
	}
	row, ok := s.rows[chromosomeID]
	if !ok {
		return false, fmt.Errorf("mark failed %d: %w", chromosomeID, ErrNotFound)
	}
	if !unscoredRow(row) {
		return false, nil
	}
	row.failed = true
	row.reason = reason
	return true, nil
}

func (s *MemoryStore) RecordFinalFitness(_ context.Context, generation int, managerID, chromosomeID int64, fitness float64) error {
	if err := checkFitness("record final fitness", chromosomeID, fitness); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	set := s.members[memberKey{managerID: managerID, generation: generation}]
	if _, ok := set[chromosomeID]; !ok {
		return fmt.Errorf("record final fitness %d in generation %d: %w", chromosomeID, generation, ErrNotFound)
	}
	set[chromosomeID] = &fitness
	return nil
}

// collect copies matching members ordered by id. Callers hold the read lock.
func (s *MemoryStore) collect(generation int, managerID int64, keep func(*chromosomeRow) bool, limit int) []model.Chromosome {
	set := s.members[memberKey{managerID: managerID, generation: generation}]
	ids := make([]int64, 0, len(set))
	for id := range set {
		if keep(s.rows[id]) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Chromosome, 0, len(ids))
	for _, id := range ids {
		row := s.rows[id]
		c := model.Chromosome{
			ID:         id,
			Genome:     row.genome.Clone(),
			Generation: generation,
			Failed:     row.failed,
			Stats:      make(model.ActivityStats, len(row.stats)),
		}
		if row.accuracy != nil {
			acc := *row.accuracy
			c.Accuracy = &acc
		}
		if final := set[id]; final != nil {
			f := *final
			c.FinalFitness = &f
		}
		for name, counts := range row.stats {
			c.Stats[name] = counts
		}
		out = append(out, c)
	}
	return out
}

func unscoredRow(row *chromosomeRow) bool {
	return row.accuracy == nil && !row.failed
}
