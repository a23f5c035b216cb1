package tools

import (
	"context"
	"fmt"
	"strings"
)

// SpawnTool delegates a task to a background subagent. The result comes
// back later as a system announce in the originating conversation.
type SpawnTool struct {
	manager *SubagentManager
	channel string
	chatID  string
}

func NewSpawnTool(manager *SubagentManager) *SpawnTool {
	return &SpawnTool{manager: manager, channel: "cli", chatID: "direct"}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a background subagent. It runs independently with its own tools and reports back here when done. Use for long or self-contained work."
}

func (t *SpawnTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task the subagent should accomplish, fully self-contained",
			},
			"label": map[string]any{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) WithContext(channel, chatID string) Tool {
	bound := *t
	bound.channel = channel
	bound.chatID = chatID
	return &bound
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	id, err := t.manager.Spawn(ctx, task, label, t.channel, t.chatID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawning subagent: %v", err))
	}

	return NewToolResult(fmt.Sprintf(
		"Started background task %s ('%s'). The result will arrive as a system message when it completes.",
		id, label,
	))
}
