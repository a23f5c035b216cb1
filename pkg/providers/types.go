// Package providers defines the LLM provider contract and the wire
// types shared by the tool loop: chat messages, tool calls, and
// responses.
package providers

import (
	"context"
	"fmt"
	"strings"
)

// Message is one turn in the conversation sent to a provider. Content
// is string, []any content parts, or nil; use ContentToString to
// normalize.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall carries both the replay encoding (Function.Arguments as a
// JSON string) and the parsed form (Arguments map). Providers always
// populate the parsed form; the loop re-encodes the string form when
// appending assistant turns.
type ToolCall struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Function  *FunctionCall  `json:"function,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

func (r *LLMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// IsError reports whether the response marks a failed provider call.
func (r *LLMResponse) IsError() bool {
	return r != nil && (r.FinishReason == "error" || strings.HasPrefix(r.Content, "Error calling LLM:"))
}

// ErrorResponse wraps a transport failure as a response the loop
// treats as fatal for the current turn.
func ErrorResponse(err error) *LLMResponse {
	return &LLMResponse{
		Content:      fmt.Sprintf("Error calling LLM: %v", err),
		FinishReason: "error",
	}
}

type ToolDefinition struct {
	Type     string                 `json:"type"`
	Function ToolFunctionDefinition `json:"function"`
}

type ToolFunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamChunk is one token delta from a streaming call.
type StreamChunk struct {
	Delta string `json:"delta"`
}

// LLMProvider abstracts the LLM. Chat is the tool-capable
// non-streaming call; ChatStream streams token deltas through onDelta
// and never offers tools.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]any) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []Message, model string, options map[string]any, onDelta func(delta string)) (*LLMResponse, error)
	GetDefaultModel() string
}

// ContentToString normalizes provider content: a plain string passes
// through, a list of content parts concatenates its non-empty text
// fields with newlines, nil yields "".
func ContentToString(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", v)
	}
}
