// Package worker implements the evaluation worker: it accepts jobs from the
// hub, stages the run files a job needs, runs the emulator and classifier
// pipeline, and reports the result.
package worker

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"wasp/internal/protocol"
	"wasp/internal/transport"
)

// ErrLifetimeExpired is returned by Run when the worker retired because its
// lifetime budget could not fit more jobs.
var ErrLifetimeExpired = errors.New("worker lifetime expired")

// Sender delivers a message to the hub.
type Sender interface {
	Send(msg protocol.Message) error
}

// Placeholders expanded in command templates.
const (
	PlaceholderSite       = "{site}"
	PlaceholderMovement   = "{movement}"
	PlaceholderChromosome = "{chromosome}"
	PlaceholderOutput     = "{output}"
	PlaceholderFiles      = "{files}"
	PlaceholderOrig       = "{orig}"
	PlaceholderWork       = "{work}"
)

type Config struct {
	Capacity int
	// WorkDir holds staged run files and per-job scratch directories.
	WorkDir string
	// EmulatorCommand runs once per data file; ClassifierCommand runs once
	// per job over every emulator output.
	EmulatorCommand     []string
	ClassifierCommand   []string
	EmulatorParallelism int
	ToolTimeout         time.Duration
	FileWait            time.Duration
	FileCacheTTL        time.Duration
	FirstJobJitter      time.Duration
	MaxLifetime         time.Duration
	KeepJobDirs         bool
	EventBuffer         int

	Runner Runner
	Rng    *rand.Rand
	Now    func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Capacity: 1,
		WorkDir:  "wasp-worker",
		EmulatorCommand: []string{"wasp-emulator",
			"--site=" + PlaceholderSite,
			"--movement=" + PlaceholderMovement,
			"--chromosome=" + PlaceholderChromosome,
			"--output=" + PlaceholderOutput,
		},
		ClassifierCommand: []string{"wasp-fitness",
			"--files=" + PlaceholderFiles,
			"--chromosome=" + PlaceholderChromosome,
			"--site=" + PlaceholderSite,
			"--orig=" + PlaceholderOrig,
			"--work=" + PlaceholderWork,
		},
		EmulatorParallelism: 1,
		ToolTimeout:         time.Hour,
		FileWait:            10 * time.Minute,
		FileCacheTTL:        time.Hour,
		FirstJobJitter:      time.Minute,
		MaxLifetime:         6 * time.Hour,
		EventBuffer:         256,
	}
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
	eventJobDone
)

type event struct {
	kind     eventKind
	msg      protocol.Message
	err      error
	jobID    string
	duration time.Duration
}

// Worker owns the slot pool. The goroutine running Run handles connection
// and hub events; jobs run on pool goroutines and report back through the
// event channel.
type Worker struct {
	cfg    Config
	sender Sender
	runner Runner
	files  *fileStore
	now    func() time.Time
	logger logr.Logger

	events chan event

	rngMu sync.Mutex
	rng   *rand.Rand

	startedAt time.Time
	active    map[string]struct{}
	jittered  int
	jobs      int
	busyTime  time.Duration
	retiring  bool
	quit      bool
}

func New(cfg Config, sender Sender) (*Worker, error) {
	d := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.Capacity
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = d.WorkDir
	}
	if len(cfg.EmulatorCommand) == 0 {
		cfg.EmulatorCommand = d.EmulatorCommand
	}
	if len(cfg.ClassifierCommand) == 0 {
		cfg.ClassifierCommand = d.ClassifierCommand
	}
	if cfg.EmulatorParallelism <= 0 {
		cfg.EmulatorParallelism = d.EmulatorParallelism
	}
	if cfg.FileWait <= 0 {
		cfg.FileWait = d.FileWait
	}
	if cfg.FileCacheTTL <= 0 {
		cfg.FileCacheTTL = d.FileCacheTTL
	}
	if cfg.FirstJobJitter < 0 {
		cfg.FirstJobJitter = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{Timeout: cfg.ToolTimeout}
	}
	if cfg.Rng == nil {
		cfg.Rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sender == nil {
		return nil, errors.New("sender is required")
	}

	return &Worker{
		cfg:    cfg,
		sender: sender,
		runner: cfg.Runner,
		files:  newFileStore(cfg.WorkDir, cfg.FileCacheTTL),
		now:    cfg.Now,
		logger: klog.Background().WithName("worker"),
		events: make(chan event, cfg.EventBuffer),
		rng:    cfg.Rng,
		active: make(map[string]struct{}),
	}, nil
}

// Handlers returns transport callbacks that feed the event loop.
func (w *Worker) Handlers(ctx context.Context) transport.ClientHandlers {
	return transport.ClientHandlers{
		OnConnect: func() {
			w.push(ctx, event{kind: eventConnect})
		},
		OnDisconnect: func(err error) {
			w.push(ctx, event{kind: eventDisconnect, err: err})
		},
		OnMessage: func(msg protocol.Message) {
			w.push(ctx, event{kind: eventMessage, msg: msg})
		},
	}
}

func (w *Worker) push(ctx context.Context, ev event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// Run serves jobs until ctx is cancelled, the hub sends quit, or the
// lifetime budget runs out. The last case returns ErrLifetimeExpired once
// every running job has reported.
func (w *Worker) Run(ctx context.Context) error {
	w.logger = klog.FromContext(ctx).WithName("worker")
	w.startedAt = w.now()
	w.logger.Info("Worker started", "capacity", w.cfg.Capacity, "workDir", w.cfg.WorkDir, "maxLifetime", w.cfg.MaxLifetime)

	ctx, cancel := context.WithCancel(ctx)
	pool := pond.New(w.cfg.Capacity, w.cfg.Capacity*4, pond.Context(ctx))
	defer func() {
		cancel()
		pool.StopAndWait()
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping", "jobs", w.jobs)
			return nil
		case ev := <-w.events:
			w.handleEvent(ctx, pool, ev)
		}
		if w.quit {
			w.logger.Info("Worker quitting on hub command", "jobs", w.jobs, "active", len(w.active))
			return nil
		}
		if w.retiring && len(w.active) == 0 {
			w.logger.Info("Worker retiring", "jobs", w.jobs, "uptime", w.now().Sub(w.startedAt))
			return ErrLifetimeExpired
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, pool *pond.WorkerPool, ev event) {
	switch ev.kind {
	case eventConnect:
		w.logger.Info("Connected to hub", "capacity", w.cfg.Capacity)
		if w.retiring {
			return
		}
		if err := w.sender.Send(protocol.WorkerReady{Capacity: w.cfg.Capacity}); err != nil {
			w.logger.Error(err, "Announcing capacity failed")
		}
	case eventDisconnect:
		w.logger.Info("Disconnected from hub", "err", ev.err, "active", len(w.active))
	case eventMessage:
		w.handleMessage(ctx, pool, ev.msg)
	case eventJobDone:
		delete(w.active, ev.jobID)
		w.jobs++
		w.busyTime += ev.duration
		if !w.retiring && w.lifetimeExhausted() {
			w.retiring = true
			w.logger.Info("Lifetime budget reached, draining", "jobs", w.jobs, "averageJob", w.averageJob(), "active", len(w.active))
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, pool *pond.WorkerPool, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JobSubmit:
		w.accept(ctx, pool, m)
	case protocol.SendFile:
		if err := w.files.put(m.RunID, m.Filename, m.Payload); err != nil {
			w.logger.Error(err, "Staging run file failed", "runID", m.RunID, "file", m.Filename)
			return
		}
		w.logger.V(2).Info("Staged run file", "runID", m.RunID, "file", m.Filename, "bytes", len(m.Payload))
	case protocol.AdminCommand:
		switch m.Command {
		case protocol.CmdQuit, protocol.CmdQuitNow:
			w.quit = true
		default:
			w.logger.V(2).Info("Ignoring command", "command", m.Command)
		}
	case protocol.StatusReport:
		w.logger.Info("Hub status", "text", m.Text)
	default:
		w.logger.V(4).Info("Ignoring message", "kind", msg.Kind())
	}
}

// accept hands a job to the slot pool. A retiring worker leaves new jobs
// alone; the hub requeues them when the worker disconnects.
func (w *Worker) accept(ctx context.Context, pool *pond.WorkerPool, js protocol.JobSubmit) {
	if w.retiring {
		w.logger.Info("Retiring, not starting job", "jobID", js.JobID)
		return
	}
	if _, dup := w.active[js.JobID]; dup {
		w.logger.V(2).Info("Job already running", "jobID", js.JobID)
		return
	}
	var jitter time.Duration
	if w.jittered < w.cfg.Capacity {
		w.jittered++
		jitter = w.jitter()
	}
	w.active[js.JobID] = struct{}{}
	ok := pool.TrySubmit(func() {
		started := w.now()
		w.execute(ctx, js, jitter)
		w.push(ctx, event{kind: eventJobDone, jobID: js.JobID, duration: w.now().Sub(started)})
	})
	if !ok {
		delete(w.active, js.JobID)
		w.fail(js, errors.New("worker slot pool is full"))
	}
}

func (w *Worker) jitter() time.Duration {
	if w.cfg.FirstJobJitter <= 0 {
		return 0
	}
	w.rngMu.Lock()
	defer w.rngMu.Unlock()
	return time.Duration(w.rng.Int63n(int64(w.cfg.FirstJobJitter)))
}

func (w *Worker) averageJob() time.Duration {
	if w.jobs == 0 {
		return 0
	}
	return w.busyTime / time.Duration(w.jobs)
}

// lifetimeExhausted reports whether three more average jobs would overrun
// the lifetime budget.
func (w *Worker) lifetimeExhausted() bool {
	if w.cfg.MaxLifetime <= 0 {
		return false
	}
	elapsed := w.now().Sub(w.startedAt)
	return elapsed+3*w.averageJob() > w.cfg.MaxLifetime
}

func (w *Worker) jobDir(jobID string) string {
	return filepath.Join(w.cfg.WorkDir, "jobs", jobID)
}
