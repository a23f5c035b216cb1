// Package agent owns the main tool loop: it turns inbound messages from
// channels, cron firings, and subagent announces into provider calls
// and tool executions, and persists the conversation.
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/session"
	"github.com/pincerlabs/pincer/pkg/tools"
)

// maxHistoryMessages bounds how much persisted history is replayed into
// a turn. Compaction inside the loop enforces the context budget.
const maxHistoryMessages = 50

const stopTimeout = 10 * time.Second

// Options configures the agent actor.
type Options struct {
	Name                string
	ProviderName        string
	Model               string
	Workspace           string
	RestrictToWorkspace bool
	SessionsDir         string
	MaxIterations       int
	LLMOptions          map[string]any
	// Scheduler, when set, exposes the cron tool to the LLM.
	Scheduler tools.Scheduler
}

// Agent is the long-lived actor registered as "agent". Channels, the
// scheduler, and subagents reach it by name through the registry.
type Agent struct {
	reg  *registry.Registry
	opts Options

	sessions  *session.Manager
	tools     *tools.Registry
	builder   *ContextBuilder
	subagents *tools.SubagentManager

	providerMu sync.Mutex
	provider   providers.LLMProvider

	chatLocks sync.Map // session key -> *sync.Mutex
}

func New(reg *registry.Registry, opts Options) (*Agent, error) {
	if opts.Name == "" {
		opts.Name = "agent"
	}
	if opts.ProviderName == "" {
		opts.ProviderName = "provider"
	}
	if err := os.MkdirAll(opts.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	sessions, err := session.NewManager(opts.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	a := &Agent{
		reg:      reg,
		opts:     opts,
		sessions: sessions,
	}
	a.subagents = tools.NewSubagentManager(
		reg, opts.ProviderName, opts.Name,
		opts.Workspace, opts.RestrictToWorkspace, opts.Model, opts.LLMOptions,
	)
	a.tools = a.buildToolRegistry()
	a.builder = NewContextBuilder(opts.Name, opts.Workspace, a.tools)
	return a, nil
}

func (a *Agent) buildToolRegistry() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewReadFileTool(a.opts.Workspace, a.opts.RestrictToWorkspace))
	reg.Register(tools.NewWriteFileTool(a.opts.Workspace, a.opts.RestrictToWorkspace))
	reg.Register(tools.NewListDirTool(a.opts.Workspace, a.opts.RestrictToWorkspace))
	reg.Register(tools.NewExecTool(a.opts.Workspace))
	reg.Register(tools.NewWebSearchTool())
	reg.Register(tools.NewWebFetchTool())
	reg.Register(tools.NewMessageTool(a.reg))
	reg.Register(tools.NewSpawnTool(a.subagents))
	if a.opts.Scheduler != nil {
		reg.Register(tools.NewCronTool(a.opts.Scheduler))
	}
	return reg
}

// Tools exposes the registry, mostly for tests and diagnostics.
func (a *Agent) Tools() *tools.Registry { return a.tools }

// Stop cancels in-flight subagents.
func (a *Agent) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	a.subagents.Stop(ctx)
}

// Process handles one user turn and returns the final text.
func (a *Agent) Process(ctx context.Context, channel, senderID, chatID, content string, media []string) (string, error) {
	return a.turn(ctx, channel, senderID, chatID, content, media, nil)
}

// ProcessStream handles one user turn, emitting chunks as the loop
// produces them. The returned string is the concatenated final text.
func (a *Agent) ProcessStream(ctx context.Context, channel, senderID, chatID, content string, media []string, emit func(tools.Chunk) error) (string, error) {
	return a.turn(ctx, channel, senderID, chatID, content, media, emit)
}

// Announce handles a subagent's report: a synthetic system turn in the
// originating conversation, followed by a best-effort delivery through
// the origin channel.
func (a *Agent) Announce(ctx context.Context, originChannel, originChatID, content string) (string, error) {
	response, err := a.turn(ctx, originChannel, "subagent", originChatID, "[System: subagent] "+content, nil, nil)
	if err != nil {
		return "", err
	}

	sender, rerr := registry.As[tools.ChannelSender](a.reg, "channel."+originChannel)
	if rerr != nil {
		logger.DebugCF("agent", "No channel for announce delivery", map[string]any{
			"channel": originChannel, "reason": rerr.Error(),
		})
		return response, nil
	}
	if serr := sender.SendText(ctx, originChatID, response); serr != nil {
		logger.WarnCF("agent", "Announce delivery failed", map[string]any{
			"channel": originChannel, "chat_id": originChatID, "error": serr.Error(),
		})
	}
	return response, nil
}

func (a *Agent) turn(ctx context.Context, channel, senderID, chatID, content string, media []string, emit func(tools.Chunk) error) (string, error) {
	key := channel + ":" + chatID
	lock := a.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	provider, err := a.resolveProvider()
	if err != nil {
		return "", err
	}

	// Load the persisted session into the cache before reading history;
	// a fresh process would otherwise start the conversation over and
	// overwrite the file on save.
	a.sessions.GetOrCreate(key)
	history := a.sessions.History(key, maxHistoryMessages)
	messages := a.builder.BuildMessages(history, content, media, channel, chatID)

	logger.DebugCF("agent", "Turn started", map[string]any{
		"key": key, "sender": senderID, "history": len(history),
	})

	result, err := tools.RunToolLoop(ctx, tools.LoopConfig{
		Provider:      provider,
		Model:         a.opts.Model,
		Tools:         a.tools,
		ToolContext:   tools.Context{Channel: channel, ChatID: chatID, AgentName: a.opts.Name},
		MaxIterations: a.opts.MaxIterations,
		LLMOptions:    a.opts.LLMOptions,
		Emit:          emit,
	}, messages)
	if err != nil {
		return "", err
	}

	a.sessions.AddMessage(key, "user", content)
	a.sessions.AddMessage(key, "assistant", result.Content)
	if serr := a.sessions.Save(key); serr != nil {
		logger.WarnCF("agent", "Session save failed", map[string]any{
			"key": key, "error": serr.Error(),
		})
	}

	logger.DebugCF("agent", "Turn finished", map[string]any{
		"key": key, "iterations": result.Iterations,
	})
	return result.Content, nil
}

func (a *Agent) lockFor(key string) *sync.Mutex {
	lock, _ := a.chatLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// resolveProvider looks up the provider actor once and caches the
// handle for the life of the agent.
func (a *Agent) resolveProvider() (providers.LLMProvider, error) {
	a.providerMu.Lock()
	defer a.providerMu.Unlock()
	if a.provider != nil {
		return a.provider, nil
	}
	provider, err := registry.As[providers.LLMProvider](a.reg, a.opts.ProviderName)
	if err != nil {
		return nil, fmt.Errorf("resolving provider %q: %w", a.opts.ProviderName, err)
	}
	a.provider = provider
	return provider, nil
}
