package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/registry"
)

// MaxAnnounceChars caps the result a subagent reports back, preventing
// context explosion in the parent.
const MaxAnnounceChars = 3000

// Announcer is the capability the subagent needs from the agent actor
// to report back.
type Announcer interface {
	Announce(ctx context.Context, originChannel, originChatID, content string) (string, error)
}

// SubagentManager spawns background workers that run their own tool
// loop against a restricted tool set, then announce the result back to
// the agent.
type SubagentManager struct {
	reg          *registry.Registry
	providerName string
	agentName    string
	workspace    string
	restrict     bool
	model        string
	llmOptions   map[string]any

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewSubagentManager(reg *registry.Registry, providerName, agentName, workspace string, restrict bool, model string, llmOptions map[string]any) *SubagentManager {
	return &SubagentManager{
		reg:          reg,
		providerName: providerName,
		agentName:    agentName,
		workspace:    workspace,
		restrict:     restrict,
		model:        model,
		llmOptions:   llmOptions,
		running:      make(map[string]context.CancelFunc),
	}
}

// Spawn starts a background task and returns its id immediately. The
// worker announces back to the agent on completion or failure.
func (m *SubagentManager) Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("task is required")
	}
	if label == "" {
		label = "background task"
	}

	id := uuid.NewString()[:8]
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.running[id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, id)
			m.mu.Unlock()
			cancel()
		}()
		m.runTask(taskCtx, id, task, label, originChannel, originChatID)
	}()

	logger.InfoCF("subagent", "Spawned background task", map[string]any{
		"id": id, "label": label, "origin": originChannel + ":" + originChatID,
	})
	return id, nil
}

// RunningCount reports the number of in-flight tasks.
func (m *SubagentManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Stop cancels all in-flight tasks and waits for them to wind down or
// ctx to expire.
func (m *SubagentManager) Stop(ctx context.Context) {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (m *SubagentManager) runTask(ctx context.Context, id, task, label, originChannel, originChatID string) {
	start := time.Now()
	result, err := m.execute(ctx, id, task, originChannel, originChatID)

	status := "completed successfully"
	if err != nil {
		status = "failed"
		if result == "" {
			result = "Task failed due to an LLM error."
		}
		logger.WarnCF("subagent", "Task failed", map[string]any{
			"id": id, "label": label, "error": err.Error(),
		})
	}

	wrapped := fmt.Sprintf("Task '%s' %s.\n\nTask:\n%s\n\nResult:\n%s",
		label, status, task, capAnnounce(result, MaxAnnounceChars))

	agent, rerr := registry.As[Announcer](m.reg, m.agentName)
	if rerr != nil {
		logger.ErrorCF("subagent", "Cannot announce, agent not resolvable", map[string]any{
			"id": id, "error": rerr.Error(),
		})
		return
	}
	if _, aerr := agent.Announce(ctx, originChannel, originChatID, wrapped); aerr != nil {
		logger.ErrorCF("subagent", "Announce failed", map[string]any{
			"id": id, "error": aerr.Error(),
		})
		return
	}

	logger.InfoCF("subagent", "Task finished", map[string]any{
		"id": id, "label": label, "status": status,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	})
}

func (m *SubagentManager) execute(ctx context.Context, id, task, originChannel, originChatID string) (string, error) {
	provider, err := registry.As[providers.LLMProvider](m.reg, m.providerName)
	if err != nil {
		return "", fmt.Errorf("resolving provider: %w", err)
	}

	messages := []providers.Message{
		{Role: "system", Content: m.buildSystemPrompt(id, task)},
		{Role: "user", Content: task},
	}

	result, err := RunToolLoop(ctx, LoopConfig{
		Provider:           provider,
		Model:              m.model,
		Tools:              m.buildToolRegistry(),
		ToolContext:        Context{Channel: originChannel, ChatID: originChatID, AgentName: m.agentName},
		MaxIterations:      SubagentMaxIterations,
		MaxContextMessages: SubagentMaxContextMessages,
		MaxToolResultChars: SubagentMaxToolResultChars,
		JitterBackoff:      true,
		GroupToolBlocks:    true,
		LLMOptions:         m.llmOptions,
	}, messages)
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

// buildToolRegistry assembles the restricted tool set: filesystem,
// exec, and web only. Subagents never get message, spawn, or cron.
func (m *SubagentManager) buildToolRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(NewReadFileTool(m.workspace, m.restrict))
	reg.Register(NewWriteFileTool(m.workspace, m.restrict))
	reg.Register(NewListDirTool(m.workspace, m.restrict))
	reg.Register(NewExecTool(m.workspace))
	reg.Register(NewWebSearchTool())
	reg.Register(NewWebFetchTool())
	return reg
}

func (m *SubagentManager) buildSystemPrompt(id, task string) string {
	return strings.Join([]string{
		fmt.Sprintf("You are a focused background worker (id %s).", id),
		"",
		"Your task:",
		task,
		"",
		"Rules:",
		"- Stay focused on this single task. Do not start side tasks.",
		"- Use the available tools to complete the work.",
		"- Your final response is the report delivered back to the main agent; make it self-contained.",
	}, "\n")
}

// capAnnounce bounds the announced result with head+tail truncation.
func capAnnounce(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	half := maxChars / 2
	return string(runes[:half]) +
		fmt.Sprintf("\n[... result truncated, %d of %d chars shown ...]\n", maxChars, len(runes)) +
		string(runes[len(runes)-half:])
}
