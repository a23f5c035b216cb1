package registry

import (
	"context"
	"time"
)

// Handle is the capability reference returned by Spawn and Resolve.
// Invocations posted through it execute serialized on the actor's
// mailbox goroutine, so an actor never observes two of its frames
// running at once.
type Handle struct {
	name    string
	actor   Actor
	mailbox chan func(context.Context)
	ctx     context.Context
	cancel  context.CancelFunc
}

func (h *Handle) Name() string { return h.name }

// Actor exposes the registered object for typed assertion (see As).
func (h *Handle) Actor() Actor { return h.actor }

// Invoke enqueues fn on the actor's mailbox. It blocks only when the
// mailbox is full, and fails once the actor has stopped.
func (h *Handle) Invoke(fn func(ctx context.Context)) error {
	select {
	case h.mailbox <- fn:
		return nil
	case <-h.ctx.Done():
		return ErrStopped
	}
}

// Delayed schedules fn to run on the actor's mailbox after d. The
// returned token cancels the timer best-effort: once fn has been
// enqueued, the in-flight execution completes.
func (h *Handle) Delayed(d time.Duration, fn func(ctx context.Context)) *Token {
	if d < 0 {
		d = 0
	}
	timer := time.AfterFunc(d, func() {
		_ = h.Invoke(fn)
	})
	return &Token{timer: timer}
}

func (h *Handle) runMailbox() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case fn := <-h.mailbox:
			fn(h.ctx)
		}
	}
}

// Token cancels a Delayed invocation.
type Token struct {
	timer *time.Timer
}

// Cancel stops the pending timer. Returns false when the invocation
// already fired or was enqueued.
func (t *Token) Cancel() bool {
	if t == nil || t.timer == nil {
		return false
	}
	return t.timer.Stop()
}
