// Package tools holds the tool contract, the validating registry, and
// the reusable LLM tool loop shared by the agent and its subagents.
package tools

import "context"

// Tool is the contract every executable capability implements.
// Parameters returns a JSON-schema object; arguments are validated
// against it before dispatch.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *ToolResult
}

// ContextualTool binds the conversation coordinates for one execution
// so the tool can address peers (spawn origin, cron session).
// WithContext returns a copy; registered instances are shared between
// concurrent turns and must never be mutated.
type ContextualTool interface {
	WithContext(channel, chatID string) Tool
}

// Context carries the coordinates of the turn a tool runs inside.
type Context struct {
	Channel   string
	ChatID    string
	AgentName string
}

// ToolResult separates what the LLM sees from what the user sees.
type ToolResult struct {
	ForLLM  string
	ForUser string
	IsError bool
	Err     error
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// NewToolResult builds a plain result shown to the LLM only.
func NewToolResult(content string) *ToolResult {
	return &ToolResult{ForLLM: content}
}

// UserResult builds a result with distinct LLM and user content.
func UserResult(forLLM, forUser string) *ToolResult {
	return &ToolResult{ForLLM: forLLM, ForUser: forUser}
}

// ErrorResult builds a failed result; the message is what the LLM sees.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: "Error: " + message, IsError: true}
}
