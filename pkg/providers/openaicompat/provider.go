// Package openaicompat implements the provider contract on the OpenAI
// chat completions API and compatible gateways.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
)

const (
	defaultModel          = "gpt-4o"
	defaultRequestTimeout = 120 * time.Second
)

type Provider struct {
	client *openai.Client
}

func NewProvider(apiKey, apiBase string) *Provider {
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: defaultRequestTimeout}),
	}
	if base := strings.TrimRight(strings.TrimSpace(apiBase), "/"); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(reqOpts...)
	return &Provider{client: &client}
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
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: buildChatMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = buildChatTools(tools)
		params.ToolChoice.OfAuto = openai.String(string(openai.ChatCompletionToolChoiceOptionAutoAuto))
	}
	applyOptions(&params, options)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no choices returned")
	}

	choice := resp.Choices[0]
	return &providers.LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    parseToolCalls(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Usage:        mapUsage(resp.Usage),
	}, nil
}

// ChatStream streams a completion without tools, pushing each content
// delta to onDelta, and returns the accumulated response.
func (p *Provider) ChatStream(
	ctx context.Context,
	messages []providers.Message,
	model string,
	options map[string]any,
	onDelta func(delta string),
) (*providers.LLMResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: buildChatMessages(messages),
	}
	applyOptions(&params, options)

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAPIError(err)
	}
	if len(acc.Choices) == 0 {
		return &providers.LLMResponse{FinishReason: "stop"}, nil
	}

	choice := acc.Choices[0]
	return &providers.LLMResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        mapUsage(acc.Usage),
	}, nil
}

func buildChatMessages(messages []providers.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		content := providers.ContentToString(msg.Content)
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(content))
		case "assistant":
			out = append(out, buildAssistantMessage(msg, content))
		case "tool":
			out = append(out, openai.ToolMessage(content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(content))
		}
	}
	return out
}

func buildAssistantMessage(msg providers.Message, content string) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if content != "" {
		assistant.Content.OfString = openai.String(content)
	}
	for _, tc := range msg.ToolCalls {
		name := tc.Name
		args := "{}"
		if tc.Function != nil {
			if name == "" {
				name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				args = tc.Function.Arguments
			}
		} else if len(tc.Arguments) > 0 {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				args = string(b)
			}
		}
		if name == "" {
			continue
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      name,
					Arguments: args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildChatTools(tools []providers.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Function.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Function.Name,
			Description: openai.String(tool.Function.Description),
			Parameters:  shared.FunctionParameters(tool.Function.Parameters),
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []providers.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]providers.ToolCall, 0, len(calls))
	for _, call := range calls {
		switch v := call.AsAny().(type) {
		case openai.ChatCompletionMessageFunctionToolCall:
			args := map[string]any{}
			if strings.TrimSpace(v.Function.Arguments) != "" {
				if err := json.Unmarshal([]byte(v.Function.Arguments), &args); err != nil {
					logger.WarnCF("openai", "Failed to decode tool call arguments", map[string]any{
						"tool": v.Function.Name, "error": err.Error(),
					})
				}
			}
			result = append(result, providers.ToolCall{
				ID:   v.ID,
				Type: "function",
				Function: &providers.FunctionCall{
					Name:      v.Function.Name,
					Arguments: v.Function.Arguments,
				},
				Name:      v.Function.Name,
				Arguments: args,
			})
		}
	}
	return result
}

func applyOptions(params *openai.ChatCompletionNewParams, options map[string]any) {
	if options == nil {
		return
	}
	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		params.MaxCompletionTokens = openai.Opt(int64(mt))
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Opt(temp)
	}
}

func mapUsage(usage openai.CompletionUsage) *providers.UsageInfo {
	if usage.TotalTokens == 0 && usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		return nil
	}
	return &providers.UsageInfo{
		PromptTokens:     int(usage.PromptTokens),
		CompletionTokens: int(usage.CompletionTokens),
		TotalTokens:      int(usage.TotalTokens),
	}
}

func wrapAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: status=%d: %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
	}
	return fmt.Errorf("openai: %w", err)
}
