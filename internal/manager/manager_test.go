package manager

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
	"k8s.io/klog/v2/ktesting"

	"wasp/internal/model"
	"wasp/internal/protocol"
	"wasp/internal/storage"
	"wasp/internal/transport"
)

const emptySite = `<?xml version="1.0"?>
<site max_width="10" max_height="10">
</site>`

type fakeHub struct {
	mu   sync.Mutex
	sent []protocol.Message
	down bool
}

func (f *fakeHub) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return transport.ErrPeerNotConnected
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeHub) take() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func jobsIn(msgs []protocol.Message) []protocol.JobSubmit {
	var out []protocol.JobSubmit
	for _, m := range msgs {
		if js, ok := m.(protocol.JobSubmit); ok {
			out = append(out, js)
		}
	}
	return out
}

func filesIn(msgs []protocol.Message) []string {
	var out []string
	for _, m := range msgs {
		if sf, ok := m.(protocol.SendFile); ok {
			out = append(out, sf.Filename)
		}
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	ctx   context.Context
	d     *Driver
	hub   *fakeHub
	clock *fakeClock
	store *storage.MemoryStore
}

func experimentDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SiteFileName), []byte(emptySite), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data", "walk1.dat"), []byte("0 0 1\n"), 0o644))
	return dir
}

func testExperiment(dir string, population int) model.ManagerConfig {
	return model.ManagerConfig{
		WorkDir:          dir,
		DataDir:          "data",
		Population:       population,
		Crossover:        1,
		MutationRate:     0.005,
		SurvivalRate:     0.10,
		ReproductionRate: 0.25,
		SeedSize:         4,
	}
}

func newHarness(t *testing.T, store *storage.MemoryStore, cfg Config) *harness {
	t.Helper()
	_, ctx := ktesting.NewTestContext(t)
	if store == nil {
		store = storage.NewMemoryStore()
		require.NoError(t, store.Init(ctx))
	}
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	hub := &fakeHub{}
	cfg.RunID = "run-1"
	cfg.Now = clock.Now
	if cfg.Rng == nil {
		cfg.Rng = rand.New(rand.NewSource(7))
	}
	d, err := New(cfg, store, hub)
	require.NoError(t, err)
	d.logger = klog.FromContext(ctx).WithName("manager")
	return &harness{ctx: ctx, d: d, hub: hub, clock: clock, store: store}
}

// start initializes the driver and connects it to the hub, returning the
// first batch of jobs.
func (h *harness) start(t *testing.T) []protocol.JobSubmit {
	t.Helper()
	require.NoError(t, h.d.initialize(h.ctx))
	h.d.handleConnect(h.ctx)
	return jobsIn(h.hub.take())
}

func (h *harness) complete(js protocol.JobSubmit, accuracy float64) {
	p := js.Chromosome
	p.Fitness = accuracy
	p.Info = "Walk:3:1:5:1,Other:2:0:2:0"
	h.d.handleMessage(h.ctx, protocol.JobCompleted{JobID: js.JobID, Chromosome: p})
}

func (h *harness) size(t *testing.T, generation int) int {
	t.Helper()
	n, err := h.store.GenerationSize(h.ctx, generation, h.d.managerID)
	require.NoError(t, err)
	return n
}

func (h *harness) members(t *testing.T, generation int) []model.Chromosome {
	t.Helper()
	out, err := h.store.GetChromosomes(h.ctx, generation, h.d.managerID)
	require.NoError(t, err)
	return out
}

func byGenome(members []model.Chromosome) map[string]model.Chromosome {
	out := make(map[string]model.Chromosome, len(members))
	for _, c := range members {
		out[c.Genome.String()] = c
	}
	return out
}

func TestSeedThenEvaluateWithStaleResubmit(t *testing.T) {
	exp := testExperiment(experimentDir(t), 3)
	exp.MaxGenerations = 2
	h := newHarness(t, nil, Config{Experiment: exp})

	require.NoError(t, h.d.initialize(h.ctx))
	require.Equal(t, StateAwaitingWorkers, h.d.state)
	seeded := h.members(t, 0)
	require.Len(t, seeded, 3)
	for _, c := range seeded {
		assert.Equal(t, 4, c.Genome.SensorCount())
		assert.Equal(t, 100, c.Genome.Len())
	}

	h.d.handleConnect(h.ctx)
	msgs := h.hub.take()
	assert.Equal(t, []string{SiteFileName, "walk1.dat"}, filesIn(msgs))
	jobs := jobsIn(msgs)
	require.Len(t, jobs, 3)
	for _, js := range jobs {
		assert.Equal(t, "run-1", js.RunID)
		assert.Equal(t, []string{"walk1.dat"}, js.DataFiles)
		assert.Equal(t, js.JobID+".xml", js.Chromosome.Filename)
		assert.Equal(t, model.UnscoredFitness, js.Chromosome.Fitness)
	}
	require.Equal(t, StateGenerationInProgress, h.d.state)

	h.complete(jobs[0], 0.8)
	h.complete(jobs[1], 0.6)
	assert.Empty(t, h.hub.take())

	h.clock.Advance(29 * time.Minute)
	h.d.checkStale(h.ctx)
	assert.Empty(t, jobsIn(h.hub.take()), "resubmitted before the stale threshold")

	h.clock.Advance(2 * time.Minute)
	h.d.checkStale(h.ctx)
	resubmitted := jobsIn(h.hub.take())
	require.Len(t, resubmitted, 1)
	assert.Equal(t, jobs[2].Chromosome.Genome, resubmitted[0].Chromosome.Genome)
	assert.NotEqual(t, jobs[2].JobID, resubmitted[0].JobID)

	h.complete(resubmitted[0], 0.7)
	require.Equal(t, 1, h.d.generation)
	require.Positive(t, h.size(t, 1))
	next := jobsIn(h.hub.take())
	require.NotEmpty(t, next)
	for _, js := range next {
		assert.Equal(t, 1, js.Chromosome.Generation)
	}

	// The original job for the stale layout reports late; the first result stands.
	h.complete(jobs[2], 0.1)
	scored := byGenome(h.members(t, 0))
	want := map[string]float64{
		jobs[0].Chromosome.Genome: 0.8,
		jobs[1].Chromosome.Genome: 0.6,
		jobs[2].Chromosome.Genome: 0.7,
	}
	for genome, acc := range want {
		c := scored[genome]
		require.NotNil(t, c.Accuracy, genome)
		assert.InDelta(t, acc, *c.Accuracy, 1e-9)
		assert.NotNil(t, c.FinalFitness)
		assert.Contains(t, c.Stats, "Walk")
	}
}

func TestGenerationAdvanceWaitsForEveryMember(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 5)})
	jobs := h.start(t)
	require.Len(t, jobs, 5)

	for i, js := range jobs[:4] {
		h.complete(js, 0.5+float64(i)/10)
	}
	assert.Equal(t, 0, h.d.generation)
	assert.Zero(t, h.size(t, 1))

	h.complete(jobs[4], 0.9)
	assert.Equal(t, 1, h.d.generation)
	size := h.size(t, 1)
	assert.Positive(t, size)
	h.hub.take()

	h.complete(jobs[4], 0.9)
	assert.Equal(t, 1, h.d.generation)
	assert.Equal(t, size, h.size(t, 1))
	assert.Zero(t, h.size(t, 2))
	assert.Empty(t, h.hub.take())
}

func TestDuplicateCompletionKeepsFirstResult(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	jobs := h.start(t)
	require.Len(t, jobs, 3)

	h.complete(jobs[0], 0.4)
	h.complete(jobs[0], 0.9)

	c := byGenome(h.members(t, 0))[jobs[0].Chromosome.Genome]
	require.NotNil(t, c.Accuracy)
	assert.InDelta(t, 0.4, *c.Accuracy, 1e-9)
	n, err := h.store.CountUnscored(h.ctx, 0, h.d.managerID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.d.inflight, 2)
}

func TestFinishesAtMaxGenerations(t *testing.T) {
	exp := testExperiment(experimentDir(t), 3)
	exp.MaxGenerations = 1
	h := newHarness(t, nil, Config{Experiment: exp})
	jobs := h.start(t)

	for _, js := range jobs {
		h.complete(js, 0.5)
	}
	assert.Equal(t, StateFinished, h.d.state)
	assert.Zero(t, h.size(t, 1))
	for _, c := range h.members(t, 0) {
		assert.NotNil(t, c.FinalFitness)
	}
}

func TestGreedySearchFinishesWhenNothingCanGrow(t *testing.T) {
	exp := testExperiment(experimentDir(t), 3)
	exp.GreedySearch = true
	h := newHarness(t, nil, Config{Experiment: exp})
	jobs := h.start(t)
	require.NotEmpty(t, jobs)

	// With every layout failed there is no top performer to extend.
	for _, js := range jobs {
		h.d.handleMessage(h.ctx, protocol.JobFailed{JobID: js.JobID, Reason: "classifier exit 1", Permanent: true, Attempts: 3, Chromosome: js.Chromosome})
	}
	assert.Equal(t, StateFinished, h.d.state)
	assert.NoError(t, h.d.fatal)
	assert.Zero(t, h.size(t, 1))
}

func TestQuitGenerationStopsAtBoundary(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	jobs := h.start(t)

	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdQuitGeneration})
	assert.Equal(t, StateGenerationInProgress, h.d.state)

	for _, js := range jobs {
		h.complete(js, 0.5)
	}
	assert.Equal(t, StateFinished, h.d.state)
	assert.Zero(t, h.size(t, 1))
}

func TestQuitNowFinishesImmediately(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	h.start(t)

	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdQuitNow})
	assert.Equal(t, StateFinished, h.d.state)
}

func TestPermanentFailureMarksLayoutFailed(t *testing.T) {
	exp := testExperiment(experimentDir(t), 3)
	exp.MaxGenerations = 1
	h := newHarness(t, nil, Config{Experiment: exp})
	jobs := h.start(t)

	h.d.handleMessage(h.ctx, protocol.JobFailed{JobID: jobs[0].JobID, Reason: "emulator exit 1", Attempts: 1, Chromosome: jobs[0].Chromosome})
	n, err := h.store.CountUnscored(h.ctx, 0, h.d.managerID)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "retry notice must not mark the layout")

	h.d.handleMessage(h.ctx, protocol.JobFailed{JobID: jobs[0].JobID, Reason: "emulator exit 1", Permanent: true, Attempts: 3, Chromosome: jobs[0].Chromosome})
	h.complete(jobs[1], 0.6)
	h.complete(jobs[2], 0.7)

	progress, err := h.store.GenerationProgress(h.ctx, h.d.managerID)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, 1, progress[0].Failed)
	assert.Equal(t, 3, progress[0].Scored)
	assert.Equal(t, StateFinished, h.d.state)
}

func TestUnknownGenomeIsDropped(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	jobs := h.start(t)

	stray := model.NewGenome(100)
	stray.Set(99)
	stray.Set(98)
	h.d.handleMessage(h.ctx, protocol.JobCompleted{
		JobID:      "stray",
		Chromosome: protocol.ChromosomePayload{Genome: stray.String(), Fitness: 0.9},
	})

	exists, err := h.store.GenomeExists(h.ctx, stray)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Len(t, h.d.inflight, len(jobs))
	assert.Equal(t, StateGenerationInProgress, h.d.state)
}

func TestReconnectResendsFilesAndUnscored(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	jobs := h.start(t)
	h.complete(jobs[0], 0.5)

	h.d.handleDisconnect(transport.ErrPeerNotConnected)
	assert.Equal(t, StateAwaitingWorkers, h.d.state)

	h.d.handleConnect(h.ctx)
	msgs := h.hub.take()
	assert.Equal(t, []string{SiteFileName, "walk1.dat"}, filesIn(msgs))
	again := jobsIn(msgs)
	require.Len(t, again, 2)
	for _, js := range again {
		assert.NotEqual(t, jobs[0].Chromosome.Genome, js.Chromosome.Genome)
	}
}

func TestConditionalRefreshRespectsAge(t *testing.T) {
	h := newHarness(t, nil, Config{Experiment: testExperiment(experimentDir(t), 3)})
	h.start(t)

	h.clock.Advance(30 * time.Minute)
	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdConditionalRefresh})
	assert.Empty(t, h.hub.take())

	h.clock.Advance(31 * time.Minute)
	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdConditionalRefresh})
	assert.Len(t, jobsIn(h.hub.take()), 3)

	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdRefresh})
	assert.Len(t, jobsIn(h.hub.take()), 3)
}

func TestWorkBudgetFailsRemainingLayouts(t *testing.T) {
	exp := testExperiment(experimentDir(t), 3)
	exp.MaxGenerations = 1
	h := newHarness(t, nil, Config{Experiment: exp, MaxWorkPerGeneration: 1})
	jobs := h.start(t)
	h.complete(jobs[0], 0.5)

	h.d.handleMessage(h.ctx, protocol.AdminCommand{Command: protocol.CmdRefresh})
	assert.Empty(t, jobsIn(h.hub.take()))
	assert.Equal(t, StateFinished, h.d.state)

	progress, err := h.store.GenerationProgress(h.ctx, h.d.managerID)
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, 2, progress[0].Failed)
	assert.True(t, progress[0].Complete())
}

func TestResumeReusesExistingNextGeneration(t *testing.T) {
	dir := experimentDir(t)
	first := newHarness(t, nil, Config{Experiment: testExperiment(dir, 3)})
	for _, js := range first.start(t) {
		first.complete(js, 0.5)
	}
	require.Equal(t, 1, first.d.generation)
	nextGen := first.members(t, 1)
	require.NotEmpty(t, nextGen)

	second := newHarness(t, first.store, Config{Experiment: testExperiment(dir, 3)})
	jobs := second.start(t)
	assert.Equal(t, first.d.managerID, second.d.managerID)
	assert.Equal(t, 1, second.d.generation)
	assert.Equal(t, len(nextGen), second.size(t, 1))
	assert.Zero(t, second.size(t, 2))
	for _, js := range jobs {
		assert.Equal(t, 1, js.Chromosome.Generation)
	}
}

func TestNewRejectsInvalidExperiment(t *testing.T) {
	exp := testExperiment(experimentDir(t), 0)
	_, err := New(Config{Experiment: exp}, storage.NewMemoryStore(), &fakeHub{})
	require.Error(t, err)

	exp = testExperiment(t.TempDir(), 3)
	_, err = New(Config{Experiment: exp}, storage.NewMemoryStore(), &fakeHub{})
	require.Error(t, err, "missing site file")
}

func TestRunDrivesEventsUntilQuit(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	store := storage.NewMemoryStore()
	require.NoError(t, store.Init(ctx))
	hub := &fakeHub{}
	d, err := New(Config{Experiment: testExperiment(experimentDir(t), 3), Rng: rand.New(rand.NewSource(3))}, store, hub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	handlers := d.Handlers(ctx)
	handlers.OnConnect()
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(jobsIn(hub.sent)) == 3
	}, 5*time.Second, 10*time.Millisecond)

	handlers.OnMessage(protocol.AdminCommand{Command: protocol.CmdQuitNow})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after quit-now")
	}
}
