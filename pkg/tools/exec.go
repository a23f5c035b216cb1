package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultExecTimeout = 60 * time.Second

// ExecTool runs shell commands in the workspace. Timeouts surface as
// tool failures, never as loop failures.
type ExecTool struct {
	workspace string
	timeout   time.Duration
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace, timeout: defaultExecTimeout}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command in the workspace and return its combined output. Commands time out after 60 seconds."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Optional timeout override in seconds",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	timeout := t.timeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if execCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, output))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, output))
	}
	if strings.TrimSpace(output) == "" {
		return NewToolResult("(no output)")
	}
	return NewToolResult(output)
}
