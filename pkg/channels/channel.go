// Package channels adapts chat platforms to the agent. Each adapter is
// registered as "channel.<name>"; the core discovers channels only by
// that resolution pattern.
package channels

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/registry"
)

// AgentCaller is the capability a channel needs from the agent actor.
type AgentCaller interface {
	Process(ctx context.Context, channel, senderID, chatID, content string, media []string) (string, error)
}

// Channel is the contract every adapter satisfies. Run blocks the
// channel's actor; the registry drives it supervised.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, chatID, content string) error
	IsRunning() bool
}

// senderRate throttles inbound messages per sender.
var senderRate = rate.Limit(1)

const senderBurst = 5

// BaseChannel carries the adapter-independent inbound path: allowlist
// filtering, per-sender rate limiting, and dispatch to the agent.
type BaseChannel struct {
	name      string
	agentName string
	reg       *registry.Registry
	allowFrom []string
	running   atomic.Bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewBaseChannel(name string, reg *registry.Registry, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		agentName: "agent",
		reg:       reg,
		allowFrom: allowFrom,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (c *BaseChannel) Name() string    { return c.name }
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(v bool) { c.running.Store(v) }

// IsAllowed checks senderID against the allowlist. An empty list allows
// everyone. Sender ids may be compound "<id>|<username>"; allowlist
// entries may be a bare id, "@username", or a legacy compound form.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}

	senderParts := splitSender(senderID)
	for _, allowed := range c.allowFrom {
		for _, ap := range splitSender(allowed) {
			for _, sp := range senderParts {
				if strings.EqualFold(ap, sp) {
					return true
				}
			}
		}
	}
	return false
}

func splitSender(s string) []string {
	parts := strings.Split(s, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimPrefix(strings.TrimSpace(p), "@")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *BaseChannel) allowRate(senderID string) bool {
	c.mu.Lock()
	limiter, ok := c.limiters[senderID]
	if !ok {
		limiter = rate.NewLimiter(senderRate, senderBurst)
		c.limiters[senderID] = limiter
	}
	c.mu.Unlock()
	return limiter.Allow()
}

// HandleMessage runs the shared inbound path and returns the agent's
// reply. The caller delivers it with its platform API. An empty reply
// with nil error means the message was filtered.
func (c *BaseChannel) HandleMessage(ctx context.Context, senderID, chatID, content string, media []string) (string, error) {
	if !c.IsAllowed(senderID) {
		logger.DebugCF(c.name, "Message rejected by allowlist", map[string]any{
			"sender_id": senderID,
		})
		return "", nil
	}
	if !c.allowRate(senderID) {
		logger.WarnCF(c.name, "Sender rate limited, dropping message", map[string]any{
			"sender_id": senderID,
		})
		return "", nil
	}

	agent, err := registry.As[AgentCaller](c.reg, c.agentName)
	if err != nil {
		return "", err
	}
	return agent.Process(ctx, c.name, senderID, chatID, content, media)
}
