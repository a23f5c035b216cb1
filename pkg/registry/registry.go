// Package registry is the process-local actor table. Long-lived
// components register under stable names at startup; peers obtain each
// other only through name lookup, never by holding direct references.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pincerlabs/pincer/pkg/logger"
)

var (
	ErrNotFound          = errors.New("actor not found")
	ErrAlreadyRegistered = errors.New("actor name already registered")
	ErrStopped           = errors.New("actor stopped")
)

// Actor is any object registered under a name. Optional capabilities
// are discovered by interface assertion.
type Actor any

// Starter actors get an on-start hook when spawned and on every
// supervised restart.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Runner actors own a blocking run loop (channel adapters). The
// registry drives Run in a supervised goroutine and calls Stop on
// shutdown.
type Runner interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

type RestartMode int

const (
	RestartNever RestartMode = iota
	RestartOnFailure
)

// RestartPolicy bounds supervised restarts: exponential backoff between
// MinBackoff and MaxBackoff, at most MaxRestarts within a rolling
// window.
type RestartPolicy struct {
	Mode        RestartMode
	MaxRestarts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// ChannelRestartPolicy is the policy channel adapters are spawned with.
func ChannelRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Mode:        RestartOnFailure,
		MaxRestarts: 10,
		MinBackoff:  time.Second,
		MaxBackoff:  60 * time.Second,
	}
}

const restartWindow = 5 * time.Minute

const defaultMailboxSize = 64

type Registry struct {
	mu     sync.RWMutex
	actors map[string]*Handle
	wg     sync.WaitGroup
}

func New() *Registry {
	return &Registry{
		actors: make(map[string]*Handle),
	}
}

type spawnConfig struct {
	policy      RestartPolicy
	mailboxSize int
}

type SpawnOption func(*spawnConfig)

func WithRestart(policy RestartPolicy) SpawnOption {
	return func(c *spawnConfig) { c.policy = policy }
}

func WithMailboxSize(n int) SpawnOption {
	return func(c *spawnConfig) {
		if n > 0 {
			c.mailboxSize = n
		}
	}
}

// Spawn registers actor under name, runs its OnStart hook, and, for
// Runner actors, launches the supervised run loop. The returned handle
// is the same one later Resolve calls hand out.
func (r *Registry) Spawn(ctx context.Context, name string, actor Actor, opts ...SpawnOption) (*Handle, error) {
	cfg := spawnConfig{mailboxSize: defaultMailboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	actorCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		name:    name,
		actor:   actor,
		mailbox: make(chan func(context.Context), cfg.mailboxSize),
		ctx:     actorCtx,
		cancel:  cancel,
	}

	r.mu.Lock()
	if _, exists := r.actors[name]; exists {
		r.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.actors[name] = h
	r.mu.Unlock()

	if starter, ok := actor.(Starter); ok {
		if err := starter.OnStart(actorCtx); err != nil {
			r.Deregister(name)
			return nil, fmt.Errorf("on_start for %s: %w", name, err)
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		h.runMailbox()
	}()

	if runner, ok := actor.(Runner); ok {
		r.wg.Add(1)
		go r.supervise(h, runner, cfg.policy)
	}

	logger.DebugCF("registry", "Actor spawned", map[string]any{"name": name})
	return h, nil
}

// Resolve looks up a handle by name.
func (r *Registry) Resolve(name string) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.actors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return h, nil
}

// As resolves name and asserts the actor to the capability interface
// the caller declares. This is how peers obtain typed handles without
// compile-time dependencies on each other's packages.
func As[T any](r *Registry, name string) (T, error) {
	var zero T
	h, err := r.Resolve(name)
	if err != nil {
		return zero, err
	}
	t, ok := h.Actor().(T)
	if !ok {
		return zero, fmt.Errorf("actor %s does not provide %T", name, zero)
	}
	return t, nil
}

// Deregister removes the actor and stops its mailbox. Returns false
// when the name was not registered.
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	h, ok := r.actors[name]
	if ok {
		delete(r.actors, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// Names returns the currently registered actor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actors))
	for name := range r.actors {
		names = append(names, name)
	}
	return names
}

// Shutdown stops all runners, cancels all mailboxes, and waits for
// every actor goroutine to exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.actors))
	for _, h := range r.actors {
		handles = append(handles, h)
	}
	r.actors = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		if runner, ok := h.actor.(Runner); ok {
			if err := runner.Stop(ctx); err != nil {
				logger.WarnCF("registry", "Error stopping actor", map[string]any{
					"name": h.name, "error": err.Error(),
				})
			}
		}
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Registry) supervise(h *Handle, runner Runner, policy RestartPolicy) {
	defer r.wg.Done()

	backoff := policy.MinBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var restarts []time.Time

	for {
		err := runSafe(h.ctx, runner)
		if h.ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.InfoCF("registry", "Actor run loop exited", map[string]any{"name": h.name})
			return
		}

		logger.ErrorCF("registry", "Actor crashed", map[string]any{
			"name": h.name, "error": err.Error(),
		})

		if policy.Mode != RestartOnFailure {
			r.Deregister(h.name)
			return
		}

		now := time.Now()
		restarts = append(restarts, now)
		recent := restarts[:0]
		for _, t := range restarts {
			if now.Sub(t) <= restartWindow {
				recent = append(recent, t)
			}
		}
		restarts = recent
		if policy.MaxRestarts > 0 && len(restarts) > policy.MaxRestarts {
			logger.ErrorCF("registry", "Restart budget exhausted, deregistering", map[string]any{
				"name": h.name, "restarts": len(restarts),
			})
			r.Deregister(h.name)
			return
		}

		select {
		case <-time.After(backoff):
		case <-h.ctx.Done():
			return
		}
		backoff *= 2
		if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}

		if starter, ok := runner.(Starter); ok {
			if err := starter.OnStart(h.ctx); err != nil {
				logger.ErrorCF("registry", "Actor restart on_start failed", map[string]any{
					"name": h.name, "error": err.Error(),
				})
				continue
			}
		}
		logger.InfoCF("registry", "Actor restarted", map[string]any{"name": h.name})
	}
}

func runSafe(ctx context.Context, runner Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return runner.Run(ctx)
}
