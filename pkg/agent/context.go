package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/session"
	"github.com/pincerlabs/pincer/pkg/tools"
)

// bootstrapFiles are workspace notes folded into the system prompt when
// present, in this order.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md"}

const memoryFile = "memory/MEMORY.md"

// ContextBuilder assembles the system prompt and the per-turn message
// list. Sections are joined with "---" separators: identity, workspace
// notes, memory, tool index.
type ContextBuilder struct {
	agentName string
	workspace string
	tools     *tools.Registry
}

func NewContextBuilder(agentName, workspace string, registry *tools.Registry) *ContextBuilder {
	return &ContextBuilder{agentName: agentName, workspace: workspace, tools: registry}
}

func (cb *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspace, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# %s

You are %s, a helpful AI assistant.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
- Memory: %s/memory/MEMORY.md

## Important Rules

1. **ALWAYS use tools** - When you need to perform an action (schedule jobs, send messages, execute commands, delegate work), you MUST call the appropriate tool. Do NOT just say you'll do it.

2. **Be helpful and accurate** - When using tools, briefly explain what you're doing.

3. **Memory** - When asked to remember something, write to %s/memory/MEMORY.md`,
		cb.agentName, cb.agentName, now, rt, workspace, workspace, workspace)
}

func (cb *ContextBuilder) toolsSection() string {
	if cb.tools == nil {
		return ""
	}
	defs := cb.tools.Definitions()
	if len(defs) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("# Available Tools\n\n")
	for _, def := range defs {
		fmt.Fprintf(&sb, "- **%s**: %s\n", def.Function.Name, def.Function.Description)
	}
	return sb.String()
}

func (cb *ContextBuilder) loadBootstrapFiles() string {
	var sb strings.Builder
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, name))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", name, string(data))
	}
	return sb.String()
}

func (cb *ContextBuilder) memorySection() string {
	data, err := os.ReadFile(filepath.Join(cb.workspace, memoryFile))
	if err != nil || len(data) == 0 {
		return ""
	}
	return "# Memory\n\n" + string(data)
}

// BuildSystemPrompt assembles identity, workspace notes, memory, and
// the tool index into one document.
func (cb *ContextBuilder) BuildSystemPrompt(channel, chatID string) string {
	parts := []string{cb.identity()}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}
	if memory := cb.memorySection(); memory != "" {
		parts = append(parts, memory)
	}
	if toolIndex := cb.toolsSection(); toolIndex != "" {
		parts = append(parts, toolIndex)
	}

	prompt := strings.Join(parts, "\n\n---\n\n")
	if channel != "" && chatID != "" {
		prompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}
	return prompt
}

// BuildMessages produces [system, ...history, user]. Media paths become
// image parts on the user message.
func (cb *ContextBuilder) BuildMessages(history []session.Message, content string, media []string, channel, chatID string) []providers.Message {
	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{
		Role:    "system",
		Content: cb.BuildSystemPrompt(channel, chatID),
	})

	for _, msg := range history {
		messages = append(messages, providers.Message{Role: msg.Role, Content: msg.Content})
	}

	userMsg := providers.Message{Role: "user", Content: content}
	if len(media) > 0 {
		parts := []any{map[string]any{"type": "text", "text": content}}
		for _, path := range media {
			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": path},
			})
		}
		userMsg.Content = parts
	}
	return append(messages, userMsg)
}
