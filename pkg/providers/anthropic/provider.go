// Package anthropic implements the provider contract on the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultModel   = "claude-sonnet-4-5"
)

type Provider struct {
	client  *anthropicsdk.Client
	baseURL string
}

func NewProvider(apiKey, apiBase string) *Provider {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropicsdk.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Provider{
		client:  &client,
		baseURL: baseURL,
	}
}

func (p *Provider) GetDefaultModel() string {
	return defaultModel
}

func (p *Provider) Chat(
	ctx context.Context,
	messages []providers.Message,
	tools []providers.ToolDefinition,
	model string,
	options map[string]any,
) (*providers.LLMResponse, error) {
	params := buildParams(messages, tools, model, options)

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	return parseResponse(resp), nil
}

// ChatStream opens a streaming request without tools, delivering each
// text fragment to onDelta as it arrives, then returns the accumulated
// response.
func (p *Provider) ChatStream(
	ctx context.Context,
	messages []providers.Message,
	model string,
	options map[string]any,
	onDelta func(delta string),
) (*providers.LLMResponse, error) {
	params := buildParams(messages, nil, model, options)

	stream := p.client.Messages.NewStreaming(ctx, params)

	var accumulated anthropicsdk.Message
	for stream.Next() {
		event := stream.Current()

		if err := accumulated.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event: %w", err)
		}

		if onDelta != nil {
			switch e := event.AsAny().(type) {
			case anthropicsdk.ContentBlockDeltaEvent:
				if td := e.Delta.AsTextDelta(); td.Text != "" {
					onDelta(td.Text)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	return parseResponse(&accumulated), nil
}

func buildParams(
	messages []providers.Message,
	tools []providers.ToolDefinition,
	model string,
	options map[string]any,
) anthropicsdk.MessageNewParams {
	var system []anthropicsdk.TextBlockParam
	var out []anthropicsdk.MessageParam

	// The API requires every tool_result block for an assistant tool_use
	// turn to arrive in one user message, so consecutive tool results are
	// merged.
	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		content := providers.ContentToString(msg.Content)

		switch msg.Role {
		case "system":
			system = append(system, anthropicsdk.TextBlockParam{Text: content})
		case "tool":
			var blocks []anthropicsdk.ContentBlockParamUnion
			for i < len(messages) && messages[i].Role == "tool" {
				blocks = append(blocks, anthropicsdk.NewToolResultBlock(
					messages[i].ToolCallID,
					providers.ContentToString(messages[i].Content),
					false,
				))
				i++
			}
			i--
			out = append(out, anthropicsdk.NewUserMessage(blocks...))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropicsdk.ContentBlockParamUnion
				if content != "" {
					blocks = append(blocks, anthropicsdk.NewTextBlock(content))
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Arguments
					if args == nil && tc.Function != nil && tc.Function.Arguments != "" {
						_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
					}
					if args == nil {
						args = map[string]any{}
					}
					name := tc.Name
					if name == "" && tc.Function != nil {
						name = tc.Function.Name
					}
					blocks = append(blocks, anthropicsdk.NewToolUseBlock(tc.ID, args, name))
				}
				out = append(out, anthropicsdk.NewAssistantMessage(blocks...))
			} else {
				out = append(out, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(content)))
			}
		default:
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(content)))
		}
	}

	maxTokens := int64(4096)
	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		maxTokens = int64(mt)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  out,
		MaxTokens: maxTokens,
	}

	if len(system) > 0 {
		params.System = system
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = anthropicsdk.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}

	return params
}

func translateTools(tools []providers.ToolDefinition) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropicsdk.ToolParam{
			Name: t.Function.Name,
			InputSchema: anthropicsdk.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		if desc := t.Function.Description; desc != "" {
			tool.Description = anthropicsdk.String(desc)
		}
		if req, ok := t.Function.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(req))
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			tool.InputSchema.Required = required
		}
		result = append(result, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return result
}

func parseResponse(resp *anthropicsdk.Message) *providers.LLMResponse {
	var content string
	var toolCalls []providers.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(tu.Input, &args); err != nil {
				logger.WarnCF("anthropic", "Failed to decode tool call input", map[string]any{
					"tool": tu.Name, "error": err.Error(),
				})
				args = map[string]any{"raw": string(tu.Input)}
			}
			toolCalls = append(toolCalls, providers.ToolCall{
				ID:        tu.ID,
				Type:      "function",
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case anthropicsdk.StopReasonToolUse:
		finishReason = "tool_calls"
	case anthropicsdk.StopReasonMaxTokens:
		finishReason = "length"
	case anthropicsdk.StopReasonEndTurn:
		finishReason = "stop"
	}

	return &providers.LLMResponse{
		Content:      content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &providers.UsageInfo{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
