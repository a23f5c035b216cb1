package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type greeter struct {
	started atomic.Int32
}

func (g *greeter) OnStart(ctx context.Context) error {
	g.started.Add(1)
	return nil
}

func (g *greeter) Greet() string { return "hello" }

type greeterCap interface {
	Greet() string
}

func TestSpawnResolveAs(t *testing.T) {
	r := New()
	ctx := context.Background()

	g := &greeter{}
	if _, err := r.Spawn(ctx, "greeter", g); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if g.started.Load() != 1 {
		t.Fatalf("OnStart calls = %d, want 1", g.started.Load())
	}

	h, err := r.Resolve("greeter")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if h.Name() != "greeter" {
		t.Fatalf("handle name = %q", h.Name())
	}

	cap, err := As[greeterCap](r, "greeter")
	if err != nil {
		t.Fatalf("As failed: %v", err)
	}
	if got := cap.Greet(); got != "hello" {
		t.Fatalf("Greet() = %q", got)
	}

	if _, err := As[interface{ Missing() }](r, "greeter"); err == nil {
		t.Fatal("expected capability mismatch error")
	}
	if _, err := r.Resolve("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSpawnDuplicateName(t *testing.T) {
	r := New()
	ctx := context.Background()
	if _, err := r.Spawn(ctx, "a", &greeter{}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := r.Spawn(ctx, "a", &greeter{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestInvokeSerializesOnMailbox(t *testing.T) {
	r := New()
	ctx := context.Background()
	h, err := r.Spawn(ctx, "worker", &greeter{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var inFlight, maxInFlight int32
	done := make(chan struct{})

	const n = 20
	for i := 0; i < n; i++ {
		i := i
		if err := h.Invoke(func(ctx context.Context) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if cur <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, cur) {
					break
				}
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
			if i == n-1 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("Invoke %d failed: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("invocations did not complete")
	}

	if atomic.LoadInt32(&maxInFlight) != 1 {
		t.Fatalf("mailbox ran %d invocations concurrently", maxInFlight)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("invocation order broken at %d: %v", i, order)
		}
	}
}

func TestDelayedFiresAndCancels(t *testing.T) {
	r := New()
	ctx := context.Background()
	h, err := r.Spawn(ctx, "timers", &greeter{})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	fired := make(chan struct{})
	h.Delayed(20*time.Millisecond, func(ctx context.Context) {
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed invocation never fired")
	}

	var cancelled atomic.Bool
	token := h.Delayed(150*time.Millisecond, func(ctx context.Context) {
		cancelled.Store(true)
	})
	if !token.Cancel() {
		t.Fatal("Cancel returned false for a pending timer")
	}
	time.Sleep(300 * time.Millisecond)
	if cancelled.Load() {
		t.Fatal("cancelled timer still fired")
	}
}

type crashyRunner struct {
	mu    sync.Mutex
	runs  int
	block chan struct{}
}

func (c *crashyRunner) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runs++
	runs := c.runs
	c.mu.Unlock()
	if runs < 3 {
		return errors.New("boom")
	}
	select {
	case c.block <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil
}

func (c *crashyRunner) Stop(ctx context.Context) error { return nil }

func TestSupervisionRestartsOnFailure(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &crashyRunner{block: make(chan struct{}, 1)}
	_, err := r.Spawn(ctx, "flaky", runner, WithRestart(RestartPolicy{
		Mode:        RestartOnFailure,
		MaxRestarts: 10,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case <-runner.block:
	case <-time.After(5 * time.Second):
		t.Fatal("runner was not restarted to a healthy state")
	}

	runner.mu.Lock()
	runs := runner.runs
	runner.mu.Unlock()
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
}

type neverRunner struct{}

func (neverRunner) Run(ctx context.Context) error  { return errors.New("dead on arrival") }
func (neverRunner) Stop(ctx context.Context) error { return nil }

func TestSupervisionNeverModeDeregisters(t *testing.T) {
	r := New()
	ctx := context.Background()
	if _, err := r.Spawn(ctx, "fragile", neverRunner{}); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := r.Resolve("fragile"); errors.Is(err, ErrNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("failed runner with never policy was not deregistered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	r := New()
	ctx := context.Background()
	runner := &crashyRunner{runs: 2, block: make(chan struct{}, 1)}
	if _, err := r.Spawn(ctx, "svc", runner, WithRestart(ChannelRestartPolicy())); err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	<-runner.block

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.Shutdown(shutdownCtx)

	if names := r.Names(); len(names) != 0 {
		t.Fatalf("actors still registered after shutdown: %v", names)
	}
}
