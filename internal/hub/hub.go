// Package hub implements the job dispatch hub: it registers workers and
// managers, queues submitted jobs, pairs them with free worker slots, and
// relays results and files between the two sides.
package hub

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"wasp/internal/protocol"
	"wasp/internal/transport"
)

// Sender delivers a message to a named peer.
type Sender interface {
	Send(peer string, msg protocol.Message) error
}

type Config struct {
	PollInterval         time.Duration
	JobTimeout           time.Duration
	TimeoutCheckInterval time.Duration
	StatusInterval       time.Duration
	MaxAttempts          int
	// AdminPeers may issue control commands in addition to peers that
	// connected with the admin role.
	AdminPeers  []string
	EventBuffer int

	Stager  Stager
	Metrics *Metrics
	Now     func() time.Time
}

func DefaultConfig() Config {
	return Config{
		PollInterval:         time.Second,
		JobTimeout:           2 * time.Hour,
		TimeoutCheckInterval: time.Minute,
		StatusInterval:       10 * time.Minute,
		MaxAttempts:          3,
		EventBuffer:          1024,
	}
}

// WorkerState is derived from a worker's capacity and active jobs.
type WorkerState string

const (
	WorkerReady WorkerState = "ready"
	WorkerBusy  WorkerState = "busy"
)

type job struct {
	id           string
	manager      string
	submit       protocol.JobSubmit
	attempts     int
	worker       string
	submittedAt  time.Time
	dispatchedAt time.Time
}

type workerEntry struct {
	name      string
	capacity  int
	active    map[string]*job
	completed int
}

func (w *workerEntry) state() WorkerState {
	if len(w.active) < w.capacity {
		return WorkerReady
	}
	return WorkerBusy
}

type managerEntry struct {
	name        string
	connectedAt time.Time
	submitted   int
}

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
)

type event struct {
	kind eventKind
	peer transport.PeerInfo
	msg  protocol.Message
}

// Hub owns all dispatch state. Only the goroutine running Run touches it;
// transport callbacks hand events over through a channel.
type Hub struct {
	cfg     Config
	sender  Sender
	stager  Stager
	metrics *Metrics
	now     func() time.Time
	logger  logr.Logger

	events chan event

	workers  map[string]*workerEntry
	ready    []string
	queue    jobQueue
	pending  map[string]*job
	managers map[string]*managerEntry
	roles    map[string]protocol.Role
	admins   map[string]bool

	tested    int64
	startedAt time.Time
}

func New(cfg Config, sender Sender) *Hub {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = d.JobTimeout
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = d.TimeoutCheckInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = d.StatusInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &Hub{
		cfg:      cfg,
		sender:   sender,
		stager:   cfg.Stager,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		logger:   klog.Background().WithName("hub"),
		events:   make(chan event, cfg.EventBuffer),
		workers:  make(map[string]*workerEntry),
		pending:  make(map[string]*job),
		managers: make(map[string]*managerEntry),
		roles:    make(map[string]protocol.Role),
		admins:   make(map[string]bool),
	}
	for _, name := range cfg.AdminPeers {
		h.admins[name] = true
	}
	h.startedAt = h.now()
	return h
}

// Handlers returns transport callbacks that feed the event loop.
func (h *Hub) Handlers(ctx context.Context) transport.ServerHandlers {
	push := func(ev event) {
		select {
		case h.events <- ev:
		case <-ctx.Done():
		}
	}
	return transport.ServerHandlers{
		OnConnect: func(p transport.PeerInfo) {
			push(event{kind: eventConnect, peer: p})
		},
		OnDisconnect: func(name string) {
			push(event{kind: eventDisconnect, peer: transport.PeerInfo{Name: name}})
		},
		OnMessage: func(from string, msg protocol.Message) {
			push(event{kind: eventMessage, peer: transport.PeerInfo{Name: from}, msg: msg})
		},
	}
}

// Run processes events and timers until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.logger = klog.FromContext(ctx).WithName("hub")
	h.logger.Info("Hub started", "pollInterval", h.cfg.PollInterval, "jobTimeout", h.cfg.JobTimeout, "maxAttempts", h.cfg.MaxAttempts)

	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	timeouts := time.NewTicker(h.cfg.TimeoutCheckInterval)
	defer timeouts.Stop()
	status := time.NewTicker(h.cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub stopping", "status", h.StatusLine())
			return nil
		case ev := <-h.events:
			h.handleEvent(ctx, ev)
		case <-poll.C:
		case <-timeouts.C:
			h.checkTimeouts()
		case <-status.C:
			h.logStatus()
		}
		h.dispatch()
		h.updateGauges()
	}
}

func (h *Hub) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventConnect:
		h.handleConnect(ev.peer)
	case eventDisconnect:
		h.handleDisconnect(ev.peer.Name)
	case eventMessage:
		h.handleMessage(ctx, ev.peer.Name, ev.msg)
	}
}

func (h *Hub) handleConnect(p transport.PeerInfo) {
	h.roles[p.Name] = p.Role
	if p.Role == protocol.RoleManager {
		h.registerManager(p.Name)
	}
	h.logger.V(2).Info("Peer connected", "peer", p.Name, "role", p.Role)
}

func (h *Hub) registerManager(name string) *managerEntry {
	m, ok := h.managers[name]
	if !ok {
		m = &managerEntry{name: name, connectedAt: h.now()}
		h.managers[name] = m
		h.logger.Info("Manager registered", "managerID", name)
	}
	return m
}

// handleDisconnect returns a worker's active jobs to the head of the queue
// and purges a manager's pending jobs.
func (h *Hub) handleDisconnect(name string) {
	delete(h.roles, name)

	if w, ok := h.workers[name]; ok {
		jobs := h.resetWorker(w)
		delete(h.workers, name)
		h.removeReady(name)
		h.logger.Info("Worker disconnected", "worker", name, "requeued", len(jobs))
	}

	if _, ok := h.managers[name]; ok {
		delete(h.managers, name)
		purged := h.queue.RemoveIf(func(j *job) bool { return j.manager == name })
		for _, j := range purged {
			delete(h.pending, j.id)
		}
		h.logger.Info("Manager disconnected", "managerID", name, "purged", len(purged))
	}
}

// resetWorker strips a worker of its active jobs and requeues them at the
// head, oldest dispatch first.
func (h *Hub) resetWorker(w *workerEntry) []*job {
	jobs := make([]*job, 0, len(w.active))
	for _, j := range w.active {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].dispatchedAt.Equal(jobs[k].dispatchedAt) {
			return jobs[i].id < jobs[k].id
		}
		return jobs[i].dispatchedAt.Before(jobs[k].dispatchedAt)
	})
	w.active = make(map[string]*job)
	h.requeueFront(jobs...)
	return jobs
}

func (h *Hub) requeueFront(jobs ...*job) {
	live := make([]*job, 0, len(jobs))
	for _, j := range jobs {
		if _, ok := h.managers[j.manager]; !ok {
			h.metrics.job(eventDropped)
			continue
		}
		j.worker = ""
		h.pending[j.id] = j
		live = append(live, j)
		h.metrics.job(eventRequeued)
	}
	h.queue.PushFront(live...)
}

func (h *Hub) handleMessage(ctx context.Context, from string, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.JobSubmit:
		h.handleJobSubmit(from, m)
	case protocol.JobCompleted:
		h.handleJobCompleted(from, m)
	case protocol.JobFailed:
		h.handleJobFailed(from, m)
	case protocol.WorkerReady:
		h.handleWorkerReady(from, m)
	case protocol.SendFile:
		h.handleSendFile(ctx, from, m)
	case protocol.RequestFile:
		h.handleRequestFile(ctx, from, m)
	case protocol.AdminCommand:
		h.handleAdmin(from, m)
	case protocol.Hello, protocol.StatusReport:
		h.logger.V(4).Info("Ignoring message", "peer", from, "kind", msg.Kind())
	default:
		h.logger.Info("Unhandled message", "peer", from, "kind", fmt.Sprintf("%T", msg))
	}
}

func (h *Hub) handleJobSubmit(from string, m protocol.JobSubmit) {
	if m.JobID == "" {
		h.logger.Info("Dropping job without id", "managerID", from)
		h.metrics.job(eventDropped)
		return
	}
	if h.known(m.JobID) {
		h.logger.V(2).Info("Dropping duplicate job", "jobID", m.JobID, "managerID", from)
		h.metrics.job(eventDropped)
		return
	}
	mgr := h.registerManager(from)
	mgr.submitted++

	m.ManagerID = from
	j := &job{id: m.JobID, manager: from, submit: m, submittedAt: h.now()}
	h.pending[j.id] = j
	h.queue.PushBack(j)
	h.metrics.job(eventSubmitted)
	h.logger.V(4).Info("Job queued", "jobID", j.id, "managerID", from, "queue", h.queue.Len())
}

func (h *Hub) known(jobID string) bool {
	if _, ok := h.pending[jobID]; ok {
		return true
	}
	for _, w := range h.workers {
		if _, ok := w.active[jobID]; ok {
			return true
		}
	}
	return false
}

func (h *Hub) handleJobCompleted(from string, m protocol.JobCompleted) {
	w, ok := h.workers[from]
	if !ok {
		h.logger.Info("Completion from unregistered worker", "worker", from, "jobID", m.JobID)
		h.metrics.job(eventDropped)
		return
	}
	j, ok := w.active[m.JobID]
	if !ok {
		h.logger.V(2).Info("Dropping completion for unknown job", "worker", from, "jobID", m.JobID)
		h.metrics.job(eventDropped)
		return
	}
	delete(w.active, m.JobID)
	w.completed++
	h.tested++
	h.markReady(w)
	h.metrics.job(eventCompleted)

	if _, ok := h.managers[j.manager]; !ok {
		h.logger.V(2).Info("Manager gone, dropping result", "jobID", j.id, "managerID", j.manager)
		h.metrics.job(eventDropped)
		return
	}
	if err := h.sender.Send(j.manager, m); err != nil {
		h.logger.Error(err, "Forwarding completion failed", "jobID", j.id, "managerID", j.manager)
	}
}

func (h *Hub) handleJobFailed(from string, m protocol.JobFailed) {
	w, ok := h.workers[from]
	if !ok {
		h.metrics.job(eventDropped)
		return
	}
	j, ok := w.active[m.JobID]
	if !ok {
		h.logger.V(2).Info("Dropping failure for unknown job", "worker", from, "jobID", m.JobID)
		h.metrics.job(eventDropped)
		return
	}
	delete(w.active, m.JobID)
	h.markReady(w)
	h.logger.Info("Job failed on worker", "jobID", j.id, "worker", from, "attempt", j.attempts, "reason", m.Reason)
	h.retryOrFail(j, m.Reason)
}

// retryOrFail requeues a job at the head while it has attempts left and
// otherwise reports a permanent failure to its manager.
func (h *Hub) retryOrFail(j *job, reason string) {
	if j.attempts < h.cfg.MaxAttempts {
		h.requeueFront(j)
		return
	}
	h.metrics.job(eventFailed)
	if _, ok := h.managers[j.manager]; !ok {
		h.metrics.job(eventDropped)
		return
	}
	failure := protocol.JobFailed{
		JobID:      j.id,
		Reason:     reason,
		Permanent:  true,
		Attempts:   j.attempts,
		Chromosome: j.submit.Chromosome,
	}
	if err := h.sender.Send(j.manager, failure); err != nil {
		h.logger.Error(err, "Reporting job failure failed", "jobID", j.id, "managerID", j.manager)
	}
}

func (h *Hub) handleWorkerReady(from string, m protocol.WorkerReady) {
	capacity := m.Capacity
	if capacity < 1 {
		capacity = 1
	}
	w, ok := h.workers[from]
	if !ok {
		w = &workerEntry{name: from, capacity: capacity, active: make(map[string]*job)}
		h.workers[from] = w
		h.logger.Info("Worker registered", "worker", from, "capacity", capacity)
	} else {
		w.capacity = capacity
		if len(w.active) > 0 {
			jobs := h.resetWorker(w)
			h.logger.Info("Worker restarted, requeued its jobs", "worker", from, "requeued", len(jobs))
		}
	}
	h.markReady(w)
}

func (h *Hub) handleSendFile(ctx context.Context, from string, m protocol.SendFile) {
	h.registerManager(from)
	if h.stager == nil {
		h.logger.Info("No stager configured, dropping file", "managerID", from, "file", m.Filename)
		return
	}
	if err := h.stager.Put(ctx, m.RunID, m.Filename, m.Payload); err != nil {
		h.logger.Error(err, "Staging file failed", "runID", m.RunID, "file", m.Filename)
		return
	}
	h.logger.V(2).Info("File staged", "runID", m.RunID, "file", m.Filename, "bytes", len(m.Payload))
}

func (h *Hub) handleRequestFile(ctx context.Context, from string, m protocol.RequestFile) {
	if h.stager == nil {
		return
	}
	data, err := h.stager.Get(ctx, m.RunID, m.Filename)
	if err != nil {
		h.logger.V(2).Info("Requested file unavailable", "worker", from, "runID", m.RunID, "file", m.Filename, "err", err)
		return
	}
	reply := protocol.SendFile{RunID: m.RunID, Filename: m.Filename, Payload: data}
	if err := h.sender.Send(from, reply); err != nil {
		h.logger.Error(err, "Sending file failed", "worker", from, "file", m.Filename)
	}
}

// markReady keeps the ready list in sync with a worker's free capacity.
func (h *Hub) markReady(w *workerEntry) {
	if w.state() == WorkerReady {
		for _, name := range h.ready {
			if name == w.name {
				return
			}
		}
		h.ready = append(h.ready, w.name)
		return
	}
	h.removeReady(w.name)
}

func (h *Hub) removeReady(name string) {
	for i, n := range h.ready {
		if n == name {
			h.ready = append(h.ready[:i], h.ready[i+1:]...)
			return
		}
	}
}

// dispatch pairs the oldest pending job with the first ready worker until
// one side runs out. A worker with slots left goes to the back of the line.
func (h *Hub) dispatch() {
	for len(h.ready) > 0 && h.queue.Len() > 0 {
		name := h.ready[0]
		h.ready = h.ready[1:]
		w := h.workers[name]

		j := h.queue.PopFront()
		delete(h.pending, j.id)

		if err := h.sender.Send(name, j.submit); err != nil {
			h.logger.Error(err, "Dispatch failed, dropping worker", "worker", name, "jobID", j.id)
			h.requeueFront(j)
			h.resetWorker(w)
			delete(h.workers, name)
			continue
		}

		j.attempts++
		j.worker = name
		j.dispatchedAt = h.now()
		w.active[j.id] = j
		h.metrics.job(eventDispatched)
		h.logger.V(4).Info("Job dispatched", "jobID", j.id, "worker", name, "attempt", j.attempts)

		if w.state() == WorkerReady {
			h.ready = append(h.ready, name)
		}
	}
}

// checkTimeouts reclaims jobs that have been out longer than JobTimeout.
func (h *Hub) checkTimeouts() {
	now := h.now()
	for _, w := range h.workers {
		var expired []*job
		for _, j := range w.active {
			if now.Sub(j.dispatchedAt) > h.cfg.JobTimeout {
				expired = append(expired, j)
			}
		}
		if len(expired) == 0 {
			continue
		}
		sort.Slice(expired, func(i, k int) bool { return expired[i].dispatchedAt.After(expired[k].dispatchedAt) })
		for _, j := range expired {
			delete(w.active, j.id)
			h.metrics.job(eventTimedOut)
			h.logger.Info("Job timed out", "jobID", j.id, "worker", w.name, "attempt", j.attempts)
			h.retryOrFail(j, fmt.Sprintf("timed out after %s on %s", h.cfg.JobTimeout, w.name))
		}
		h.markReady(w)
	}
}

func (h *Hub) updateGauges() {
	h.metrics.QueueDepth.Set(float64(h.queue.Len()))
	h.metrics.Workers.Set(float64(len(h.workers)))
	h.metrics.ReadyWorkers.Set(float64(len(h.ready)))
	h.metrics.Managers.Set(float64(len(h.managers)))
	h.metrics.WorkerSlots.Set(float64(h.slots()))
}
