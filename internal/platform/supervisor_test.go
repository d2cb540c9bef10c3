package platform

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"k8s.io/klog/v2/ktesting"
)

var errRetired = errors.New("retired")

func fastPolicy() Policy {
	return Policy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  1,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorRestartsFailingChild(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	supervisor := NewSupervisor(ctx, fastPolicy(), Hooks{})
	var calls atomic.Int32
	run := func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err := supervisor.Start("worker-0", run); err != nil {
		t.Fatalf("start child: %v", err)
	}
	waitFor(t, "third start", func() bool { return calls.Load() >= 3 })

	children := supervisor.Children()
	if len(children) != 1 || children[0].Restarts != 2 || children[0].LastError != "boom" {
		t.Fatalf("unexpected status: %+v", children)
	}
	supervisor.StopAll()
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no children after stop all, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorStopsChildByName(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	supervisor := NewSupervisor(ctx, fastPolicy(), Hooks{})
	stopped := make(chan struct{})
	if err := supervisor.Start("worker-0", func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	supervisor.Stop("worker-0")
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected child to stop after named stop")
	}
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("expected no children after named stop, got=%v", supervisor.Tasks())
	}
}

func TestSupervisorRejectsDuplicateName(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	supervisor := NewSupervisor(ctx, Policy{}, Hooks{})
	defer supervisor.StopAll()
	if err := supervisor.Start("dup", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	if err := supervisor.Start("dup", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected duplicate child name to fail")
	}
}

func TestSupervisorGivesUpAfterMaxRestarts(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	type failure struct {
		name     string
		restarts int
		err      string
	}
	failures := make(chan failure, 1)
	policy := fastPolicy()
	policy.MaxRestarts = 1
	supervisor := NewSupervisor(ctx, policy, Hooks{
		OnFailure: func(name string, err error, restarts int) {
			failures <- failure{name: name, restarts: restarts, err: err.Error()}
		},
	})
	if err := supervisor.Start("worker-0", func(context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	select {
	case got := <-failures:
		if got.name != "worker-0" || got.restarts != 1 || got.err != "boom" {
			t.Fatalf("unexpected failure: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure hook")
	}
	supervisor.Wait()
	children := supervisor.Children()
	if len(children) != 1 || !children[0].Failed {
		t.Fatalf("expected failed child to be retained: %+v", children)
	}
}

func TestSupervisorPlannedExitsRestartWithoutPenalty(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	policy := Policy{
		InitialBackoff: time.Hour,
		MaxRestarts:    1,
		Planned:        func(err error) bool { return errors.Is(err, errRetired) },
	}
	supervisor := NewSupervisor(ctx, policy, Hooks{})
	defer supervisor.StopAll()

	var calls atomic.Int32
	if err := supervisor.Start("worker-0", func(ctx context.Context) error {
		if calls.Add(1) <= 4 {
			return errRetired
		}
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	waitFor(t, "fifth start", func() bool { return calls.Load() >= 5 })
	children := supervisor.Children()
	if len(children) != 1 || children[0].PlannedRestarts != 4 || children[0].Failed {
		t.Fatalf("unexpected status: %+v", children)
	}
}

func TestSupervisorRestartWindowForgetsOldCrashes(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := fastPolicy()
	policy.MaxRestarts = 1
	policy.RestartWindow = time.Minute
	policy.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(2 * time.Minute)
		return now
	}
	supervisor := NewSupervisor(ctx, policy, Hooks{})
	defer supervisor.StopAll()

	var calls atomic.Int32
	if err := supervisor.Start("worker-0", func(ctx context.Context) error {
		if calls.Add(1) <= 5 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	waitFor(t, "sixth start", func() bool { return calls.Load() >= 6 })
	if children := supervisor.Children(); children[0].Failed {
		t.Fatalf("crashes outside the window must not fail the child: %+v", children)
	}
}

func TestSupervisorTransientChildStopsOnCleanExit(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	supervisor := NewSupervisor(ctx, fastPolicy(), Hooks{})
	var calls atomic.Int32
	if err := supervisor.StartSpec(ChildSpec{Name: "once", Restart: RestartTransient}, func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("start child: %v", err)
	}
	supervisor.Wait()
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	if len(supervisor.Tasks()) != 0 {
		t.Fatalf("unexpected children: %v", supervisor.Tasks())
	}
}

func TestSupervisorParentCancelStopsChildren(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	ctx, cancel := context.WithCancel(ctx)
	supervisor := NewSupervisor(ctx, fastPolicy(), Hooks{})
	for _, name := range []string{"worker-0", "worker-1"} {
		if err := supervisor.Start(name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}); err != nil {
			t.Fatalf("start %s: %v", name, err)
		}
	}
	cancel()
	done := make(chan struct{})
	go func() {
		supervisor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("children did not stop with parent context")
	}
}
