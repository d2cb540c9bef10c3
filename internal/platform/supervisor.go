// Package platform keeps long-running processes alive. The worker command
// runs each worker instance as a supervised child so that a retired or
// crashed worker is replaced by a fresh one.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"
)

type Policy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	// MaxRestarts bounds crash restarts inside RestartWindow. Zero means
	// unlimited; a zero window counts every crash since start.
	MaxRestarts   int
	RestartWindow time.Duration
	// Planned reports exits that are part of normal operation, such as a
	// worker retiring at the end of its lifetime. They restart at once and
	// never count against MaxRestarts.
	Planned func(err error) bool
	Now     func() time.Time
}

type RestartPolicy string

const (
	RestartPermanent RestartPolicy = "permanent"
	RestartTransient RestartPolicy = "transient"
	RestartTemporary RestartPolicy = "temporary"
)

type ChildSpec struct {
	Name    string
	Restart RestartPolicy
}

type ChildStatus struct {
	Name            string        `json:"name"`
	Restart         RestartPolicy `json:"restart_policy"`
	Restarts        int           `json:"restarts"`
	PlannedRestarts int           `json:"planned_restarts"`
	LastError       string        `json:"last_error,omitempty"`
	Failed          bool          `json:"failed"`
}

type Hooks struct {
	OnRestart func(name string, err error, restarts int)
	OnFailure func(name string, err error, restarts int)
}

func DefaultPolicy() Policy {
	return Policy{
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		BackoffFactor:  2.0,
		MaxRestarts:    100,
		RestartWindow:  24 * time.Hour,
	}
}

func normalizePolicy(policy Policy) Policy {
	def := DefaultPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	if policy.Now == nil {
		policy.Now = time.Now
	}
	return policy
}

// Supervisor runs named children under a shared parent context. Cancelling
// the parent stops every child.
type Supervisor struct {
	ctx    context.Context
	policy Policy
	hooks  Hooks
	logger logr.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	tasks    map[string]*task
	finished map[string]ChildStatus
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	spec   ChildSpec

	restarts int
	planned  int
	crashes  []time.Time
	lastErr  error
	failed   bool
}

func NewSupervisor(ctx context.Context, policy Policy, hooks Hooks) *Supervisor {
	return &Supervisor{
		ctx:      ctx,
		policy:   normalizePolicy(policy),
		hooks:    hooks,
		logger:   klog.FromContext(ctx).WithName("supervisor"),
		tasks:    make(map[string]*task),
		finished: make(map[string]ChildStatus),
	}
}

func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartSpec(ChildSpec{Name: name, Restart: RestartPermanent}, run)
}

func (s *Supervisor) StartSpec(spec ChildSpec, run func(ctx context.Context) error) error {
	if spec.Name == "" {
		return errors.New("child name is required")
	}
	if run == nil {
		return errors.New("child runner is required")
	}
	switch spec.Restart {
	case RestartPermanent, RestartTransient, RestartTemporary:
	default:
		spec.Restart = RestartPermanent
	}

	s.mu.Lock()
	if _, exists := s.tasks[spec.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("child already running: %s", spec.Name)
	}
	delete(s.finished, spec.Name)
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{}), spec: spec}
	s.tasks[spec.Name] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runTask(ctx, t, run)
	return nil
}

func (s *Supervisor) runTask(ctx context.Context, t *task, run func(ctx context.Context) error) {
	name := t.spec.Name
	logger := s.logger.WithValues("child", name)
	defer func() {
		s.mu.Lock()
		if current, ok := s.tasks[name]; ok && current == t {
			if t.restarts > 0 || t.planned > 0 || t.lastErr != nil || t.failed {
				s.finished[name] = t.status()
			}
			delete(s.tasks, name)
		}
		s.mu.Unlock()
		close(t.done)
		s.wg.Done()
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if !shouldRestart(t.spec.Restart, err) {
			if err != nil {
				s.mu.Lock()
				t.lastErr = err
				s.mu.Unlock()
				logger.Error(err, "Child exited")
			}
			return
		}

		if s.policy.Planned != nil && s.policy.Planned(err) {
			s.mu.Lock()
			t.planned++
			t.restarts++
			restarts := t.restarts
			s.mu.Unlock()
			logger.Info("Restarting after planned exit", "reason", errString(err), "restarts", restarts)
			if s.hooks.OnRestart != nil {
				s.hooks.OnRestart(name, err, restarts)
			}
			backoff = s.policy.InitialBackoff
			continue
		}

		now := s.policy.Now()
		s.mu.Lock()
		t.lastErr = err
		t.crashes = recentCrashes(t.crashes, now, s.policy.RestartWindow)
		if s.policy.MaxRestarts > 0 && len(t.crashes) >= s.policy.MaxRestarts {
			t.failed = true
			restarts := t.restarts
			s.mu.Unlock()
			logger.Error(err, "Restart limit reached, giving up", "restarts", restarts, "window", s.policy.RestartWindow)
			if s.hooks.OnFailure != nil {
				go s.hooks.OnFailure(name, err, restarts)
			}
			return
		}
		t.crashes = append(t.crashes, now)
		t.restarts++
		restarts := t.restarts
		s.mu.Unlock()

		logger.Error(err, "Child crashed, restarting", "restarts", restarts, "backoff", backoff)
		if s.hooks.OnRestart != nil {
			s.hooks.OnRestart(name, err, restarts)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * s.policy.BackoffFactor)
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
}

func recentCrashes(crashes []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		return crashes
	}
	kept := crashes[:0]
	for _, at := range crashes {
		if now.Sub(at) < window {
			kept = append(kept, at)
		}
	}
	return kept
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartTransient:
		return err != nil
	case RestartTemporary:
		return false
	default:
		return true
	}
}

func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	delete(s.finished, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Wait blocks until every child has exited for good.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Children reports running children and those that exited with history.
func (s *Supervisor) Children() []ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChildStatus, 0, len(s.tasks)+len(s.finished))
	for _, t := range s.tasks {
		out = append(out, t.status())
	}
	for name, st := range s.finished {
		if _, active := s.tasks[name]; active {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *task) status() ChildStatus {
	return ChildStatus{
		Name:            t.spec.Name,
		Restart:         t.spec.Restart,
		Restarts:        t.restarts,
		PlannedRestarts: t.planned,
		LastError:       errString(t.lastErr),
		Failed:          t.failed,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
