// Package manager implements the evolution driver. A Driver owns one GA
// experiment: it seeds generation 0, submits unscored layouts to the hub,
// records results as they arrive, and breeds the next generation once every
// member of the current one carries a result.
package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"wasp/internal/evo"
	"wasp/internal/floorplan"
	"wasp/internal/model"
	"wasp/internal/protocol"
	"wasp/internal/storage"
	"wasp/internal/transport"
)

// Sender delivers a message to the hub.
type Sender interface {
	Send(msg protocol.Message) error
}

// State is the driver's position in the generation lifecycle.
type State string

const (
	StateInitializing         State = "initializing"
	StateAwaitingWorkers      State = "awaiting_workers"
	StateGenerationInProgress State = "generation_in_progress"
	StateGenerationComplete   State = "generation_complete"
	StateAdvancing            State = "advancing"
	StateFinished             State = "finished"
)

type Config struct {
	Experiment model.ManagerConfig
	// RunID names the file set workers stage for this driver. A fresh id is
	// generated when empty.
	RunID string

	SubmitBatch          int
	MaxWorkPerGeneration int
	StaleAfter           time.Duration
	StaleCheckInterval   time.Duration
	// ConditionalRefreshAge is how old the current generation must be before
	// conditional-refresh resubmits it.
	ConditionalRefreshAge time.Duration
	EventBuffer           int

	Rng *rand.Rand
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		SubmitBatch:           10000,
		MaxWorkPerGeneration:  50000,
		StaleAfter:            30 * time.Minute,
		StaleCheckInterval:    15 * time.Minute,
		ConditionalRefreshAge: time.Hour,
		EventBuffer:           1024,
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
)

type event struct {
	kind eventKind
	msg  protocol.Message
	err  error
}

// Driver owns all experiment state. Only the goroutine running Run touches
// it; transport callbacks hand events over through a channel.
type Driver struct {
	cfg      Config
	store    storage.Store
	sender   Sender
	layout   evo.Layout
	policy   evo.ScoringPolicy
	selector evo.Selector
	breeder  *evo.Breeder
	rng      *rand.Rand
	now      func() time.Time
	logger   logr.Logger

	events chan event

	state      State
	managerID  int64
	generation int
	connected  bool
	files      runFiles

	// inflight maps a job id to the chromosome it evaluates.
	inflight   map[string]int64
	processed  map[string]struct{}
	workPasses int

	generationStarted time.Time
	lastProgress      time.Time
	quitGeneration    bool
	fatal             error
}

func New(cfg Config, store storage.Store, sender Sender) (*Driver, error) {
	if store == nil {
		return nil, errors.New("generation store is required")
	}
	if err := cfg.Experiment.Validate(); err != nil {
		return nil, fmt.Errorf("experiment config: %w", err)
	}
	d := DefaultConfig()
	if cfg.SubmitBatch <= 0 {
		cfg.SubmitBatch = d.SubmitBatch
	}
	if cfg.MaxWorkPerGeneration <= 0 {
		cfg.MaxWorkPerGeneration = d.MaxWorkPerGeneration
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = d.StaleCheckInterval
	}
	if cfg.ConditionalRefreshAge <= 0 {
		cfg.ConditionalRefreshAge = d.ConditionalRefreshAge
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	if cfg.RunID == "" {
		cfg.RunID = newRunID()
	}
	if cfg.Rng == nil {
		cfg.Rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	site, err := floorplan.LoadSite(SitePath(cfg.Experiment))
	if err != nil {
		return nil, err
	}
	policy, err := evo.ScoringPolicyByName(cfg.Experiment.Scoring)
	if err != nil {
		return nil, err
	}
	selector, err := evo.SelectorByName(cfg.Experiment.Selection)
	if err != nil {
		return nil, err
	}
	layout := evo.LayoutOf(site)

	return &Driver{
		cfg:       cfg,
		store:     store,
		sender:    sender,
		layout:    layout,
		policy:    policy,
		selector:  selector,
		breeder:   &evo.Breeder{Layout: layout, Lookup: store, Rng: cfg.Rng},
		rng:       cfg.Rng,
		now:       cfg.Now,
		logger:    klog.Background().WithName("manager"),
		events:    make(chan event, cfg.EventBuffer),
		state:     StateInitializing,
		inflight:  make(map[string]int64),
		processed: make(map[string]struct{}),
	}, nil
}

// Handlers returns transport callbacks that feed the event loop.
func (d *Driver) Handlers(ctx context.Context) transport.ClientHandlers {
	push := func(ev event) {
		select {
		case d.events <- ev:
		case <-ctx.Done():
		}
	}
	return transport.ClientHandlers{
		OnConnect: func() {
			push(event{kind: eventConnect})
		},
		OnDisconnect: func(err error) {
			push(event{kind: eventDisconnect, err: err})
		},
		OnMessage: func(msg protocol.Message) {
			push(event{kind: eventMessage, msg: msg})
		},
	}
}

// Run initializes the experiment and processes events until the driver
// finishes or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.logger = klog.FromContext(ctx).WithName("manager")
	if err := d.initialize(ctx); err != nil {
		return err
	}

	stale := time.NewTicker(d.cfg.StaleCheckInterval)
	defer stale.Stop()

	for d.state != StateFinished && d.fatal == nil {
		select {
		case <-ctx.Done():
			d.logger.Info("Manager stopping", "managerID", d.managerID, "generation", d.generation, "state", d.state)
			return nil
		case ev := <-d.events:
			d.handleEvent(ctx, ev)
		case <-stale.C:
			d.checkStale(ctx)
		}
	}
	return d.fatal
}

// ManagerID is valid once Run has initialized the driver.
func (d *Driver) ManagerID() int64 {
	return d.managerID
}

// RunID names the file set workers stage for this driver.
func (d *Driver) RunID() string {
	return d.cfg.RunID
}

func (d *Driver) initialize(ctx context.Context) error {
	d.state = StateInitializing
	rec, err := d.store.ResolveManager(ctx, d.cfg.Experiment)
	if err != nil {
		return fmt.Errorf("resolve manager: %w", err)
	}
	d.managerID = rec.ID

	files, err := collectRunFiles(d.cfg.Experiment)
	if err != nil {
		return err
	}
	d.files = files

	latest, ok, err := d.store.LatestCompleteGeneration(ctx, d.managerID)
	if err != nil {
		return fmt.Errorf("latest complete generation: %w", err)
	}
	if !ok {
		if _, err := SeedGeneration(ctx, d.store, d.managerID, d.layout, d.cfg.Experiment, d.rng); err != nil {
			return err
		}
		d.logger.Info("Manager initialized", "managerID", d.managerID, "runID", d.cfg.RunID, "generation", 0)
		d.enterGeneration(ctx, 0)
		return d.fatal
	}

	d.generation = latest
	d.logger.Info("Resuming after complete generation", "managerID", d.managerID, "runID", d.cfg.RunID, "generation", latest)
	if next, ok := d.advance(ctx); ok {
		d.enterGeneration(ctx, next)
	}
	return d.fatal
}

func (d *Driver) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventConnect:
		d.handleConnect(ctx)
	case eventDisconnect:
		d.handleDisconnect(ev.err)
	case eventMessage:
		d.handleMessage(ctx, ev.msg)
	}
}

// handleConnect pushes the run files and resubmits everything unscored; the
// hub forgets a manager's pending jobs when it disconnects.
func (d *Driver) handleConnect(ctx context.Context) {
	d.connected = true
	d.logger.Info("Connected to hub", "managerID", d.managerID, "runID", d.cfg.RunID)
	if err := d.sendFiles(); err != nil {
		d.logger.Error(err, "Sending run files failed", "runID", d.cfg.RunID)
		return
	}
	switch d.state {
	case StateAwaitingWorkers, StateGenerationInProgress:
		d.inflight = make(map[string]int64)
		d.submitWork(ctx)
	}
}

func (d *Driver) handleDisconnect(err error) {
	d.connected = false
	if d.state == StateGenerationInProgress {
		d.state = StateAwaitingWorkers
	}
	d.logger.Info("Disconnected from hub", "managerID", d.managerID, "err", err)
}

func (d *Driver) handleMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JobCompleted:
		d.handleCompleted(ctx, m)
	case protocol.JobFailed:
		d.handleFailed(ctx, m)
	case protocol.AdminCommand:
		d.handleCommand(ctx, m)
	case protocol.StatusReport:
		d.logger.Info("Hub status", "text", m.Text)
	default:
		d.logger.V(4).Info("Ignoring message", "kind", msg.Kind())
	}
}

func (d *Driver) handleCommand(ctx context.Context, cmd protocol.AdminCommand) {
	d.logger.Info("Command received", "command", cmd.Command, "generation", d.generation)
	switch cmd.Command {
	case protocol.CmdQuit, protocol.CmdQuitNow:
		d.finish("quit-now")
	case protocol.CmdQuitGeneration:
		d.quitGeneration = true
	case protocol.CmdRefresh:
		d.refresh(ctx)
	case protocol.CmdConditionalRefresh:
		if age := d.now().Sub(d.generationStarted); age > d.cfg.ConditionalRefreshAge {
			d.refresh(ctx)
		} else {
			d.logger.V(2).Info("Skipping conditional refresh", "generation", d.generation, "age", age)
		}
	default:
		d.logger.Info("Unsupported command", "command", cmd.Command)
	}
}

// refresh forgets the in-flight set and resubmits the unscored remainder.
func (d *Driver) refresh(ctx context.Context) {
	if d.state != StateGenerationInProgress {
		return
	}
	d.inflight = make(map[string]int64)
	d.submitWork(ctx)
}

func (d *Driver) checkStale(ctx context.Context) {
	if d.state != StateGenerationInProgress {
		return
	}
	idle := d.now().Sub(d.lastProgress)
	if idle < d.cfg.StaleAfter {
		return
	}
	d.logger.Info("No progress, resubmitting unscored layouts", "managerID", d.managerID, "generation", d.generation, "idle", idle, "inflight", len(d.inflight))
	d.refresh(ctx)
}

func (d *Driver) finish(reason string) {
	if d.state == StateFinished {
		return
	}
	d.state = StateFinished
	d.logger.Info("Manager finished", "managerID", d.managerID, "generation", d.generation, "reason", reason)
}

func (d *Driver) fail(err error) {
	d.fatal = err
	d.logger.Error(err, "Manager failed", "managerID", d.managerID, "generation", d.generation)
}
