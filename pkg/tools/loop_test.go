package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/pincerlabs/pincer/pkg/providers"
)

// scriptedProvider replays canned responses: each Chat call pops the
// next response, each ChatStream call pops the next delta script.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	streams   [][]string

	chatCalls   int
	streamCalls int
	lastTools   []providers.ToolDefinition
	lastMsgs    []providers.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatCalls++
	p.lastTools = tools
	p.lastMsgs = append([]providers.Message(nil), messages...)
	if len(p.responses) == 0 {
		return &providers.LLMResponse{Content: "", FinishReason: "stop"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []providers.Message, model string, options map[string]any, onDelta func(string)) (*providers.LLMResponse, error) {
	p.mu.Lock()
	p.streamCalls++
	var deltas []string
	if len(p.streams) > 0 {
		deltas = p.streams[0]
		p.streams = p.streams[1:]
	}
	p.mu.Unlock()

	var full string
	for _, d := range deltas {
		full += d
		onDelta(d)
	}
	return &providers.LLMResponse{Content: full, FinishReason: "stop"}, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted-model" }

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes back its input" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required": []string{"text"},
	}
}
func (echoTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	text, _ := args["text"].(string)
	return NewToolResult("echo: " + text)
}

func echoRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(echoTool{})
	return reg
}

func startMessages() []providers.Message {
	return []providers.Message{
		{Role: "system", Content: "system prompt"},
		{Role: "user", Content: "hello"},
	}
}

func toolCall(id, name string, args map[string]any) providers.ToolCall {
	return providers.ToolCall{ID: id, Type: "function", Name: name, Arguments: args}
}

func TestToolLoopContentOnlyTurn(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{Content: "plain answer", FinishReason: "stop"},
		},
	}

	var chunks []Chunk
	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
		Emit:     func(c Chunk) error { chunks = append(chunks, c); return nil },
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}

	if result.Content != "plain answer" {
		t.Fatalf("content = %q", result.Content)
	}
	if provider.chatCalls != 1 || provider.streamCalls != 0 {
		t.Fatalf("chat=%d stream=%d, want 1/0", provider.chatCalls, provider.streamCalls)
	}
	if len(chunks) != 2 || chunks[0].Kind != ChunkToken || chunks[1].Kind != ChunkDone {
		t.Fatalf("chunks = %+v", chunks)
	}
}

// One tool round, then the streaming switch-over produces the final
// prose. Chunk order: ToolCall, ToolResult, Token..., Done.
func TestToolLoopStreamingSwitchOver(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{
				ToolCalls:    []providers.ToolCall{toolCall("call_1", "echo", map[string]any{"text": "hi"})},
				FinishReason: "tool_calls",
			},
		},
		streams: [][]string{{"final ", "answer"}},
	}

	var chunks []Chunk
	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
		Emit:     func(c Chunk) error { chunks = append(chunks, c); return nil },
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}

	if result.Content != "final answer" {
		t.Fatalf("content = %q", result.Content)
	}
	if provider.chatCalls != 1 || provider.streamCalls != 1 {
		t.Fatalf("chat=%d stream=%d, want 1/1", provider.chatCalls, provider.streamCalls)
	}

	kinds := make([]ChunkKind, len(chunks))
	for i, c := range chunks {
		kinds[i] = c.Kind
	}
	want := []ChunkKind{ChunkToolCall, ChunkToolResult, ChunkToken, ChunkToken, ChunkDone}
	if len(kinds) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("chunk kinds = %v, want %v", kinds, want)
		}
	}
	if chunks[0].ToolName != "echo" {
		t.Fatalf("tool call chunk = %+v", chunks[0])
	}
}

// A silent stream falls back to the non-streaming branch on the next
// iteration instead of ending the turn.
func TestToolLoopSilentStreamFallsBack(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{
				ToolCalls:    []providers.ToolCall{toolCall("call_1", "echo", map[string]any{"text": "x"})},
				FinishReason: "tool_calls",
			},
			{Content: "recovered answer", FinishReason: "stop"},
		},
		streams: [][]string{{}},
	}

	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}
	if result.Content != "recovered answer" {
		t.Fatalf("content = %q", result.Content)
	}
	if provider.streamCalls != 1 || provider.chatCalls != 2 {
		t.Fatalf("chat=%d stream=%d, want 2/1", provider.chatCalls, provider.streamCalls)
	}
}

func TestToolLoopDSMLFallback(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{
				Content: `Let me check.

<|DSML|invoke name="echo">
<|DSML|parameter name="text">from dsml</|DSML|parameter>`,
				FinishReason: "stop",
			},
		},
		streams: [][]string{{"done"}},
	}

	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}
	if result.Content != "done" {
		t.Fatalf("content = %q", result.Content)
	}

	// The tool result for the synthesized call must be in the transcript,
	// and the replayed assistant content must carry the prose without the
	// markup.
	var sawToolResult bool
	for _, m := range result.Messages {
		if m.Role == "tool" && providers.ContentToString(m.Content) == "echo: from dsml" {
			sawToolResult = true
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			content := providers.ContentToString(m.Content)
			if content != "Let me check." {
				t.Fatalf("assistant replay content = %q, want the prose only", content)
			}
		}
	}
	if !sawToolResult {
		t.Fatalf("DSML tool result missing from transcript: %+v", result.Messages)
	}
}

func TestToolLoopAssistantReplayEncodesArguments(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{
				ToolCalls:    []providers.ToolCall{toolCall("call_9", "echo", map[string]any{"text": "abc"})},
				FinishReason: "tool_calls",
			},
		},
		streams: [][]string{{"ok"}},
	}

	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}

	var assistant *providers.Message
	for i := range result.Messages {
		if result.Messages[i].Role == "assistant" && len(result.Messages[i].ToolCalls) > 0 {
			assistant = &result.Messages[i]
		}
	}
	if assistant == nil {
		t.Fatal("assistant replay message missing")
	}
	fn := assistant.ToolCalls[0].Function
	if fn == nil {
		t.Fatal("function encoding missing")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(fn.Arguments), &decoded); err != nil {
		t.Fatalf("function.arguments is not a JSON string: %v", err)
	}
	if decoded["text"] != "abc" {
		t.Fatalf("decoded arguments = %v", decoded)
	}
}

func TestToolLoopEmptyResponsesExhaustRetries(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{Content: "", FinishReason: "stop"},
			{Content: "", FinishReason: "stop"},
			{Content: "", FinishReason: "stop"},
		},
	}

	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider:     provider,
		Tools:        echoRegistry(),
		EmptyRetries: 1,
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}
	if result.Content != NoResponseSentinel {
		t.Fatalf("content = %q, want sentinel", result.Content)
	}
	// One initial empty plus one retry.
	if provider.chatCalls != 2 {
		t.Fatalf("chatCalls = %d, want 2", provider.chatCalls)
	}
}

func TestToolLoopProviderErrorAbortsTurn(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			providers.ErrorResponse(errors.New("connection refused")),
		},
	}

	_, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
	}, startMessages())
	if !errors.Is(err, ErrLLM) {
		t.Fatalf("err = %v, want ErrLLM", err)
	}
}

func TestToolLoopUnknownToolSurfacesError(t *testing.T) {
	provider := &scriptedProvider{
		responses: []*providers.LLMResponse{
			{
				ToolCalls:    []providers.ToolCall{toolCall("call_1", "no_such_tool", nil)},
				FinishReason: "tool_calls",
			},
		},
		streams: [][]string{{"handled"}},
	}

	result, err := RunToolLoop(context.Background(), LoopConfig{
		Provider: provider,
		Tools:    echoRegistry(),
	}, startMessages())
	if err != nil {
		t.Fatalf("RunToolLoop failed: %v", err)
	}

	var sawError bool
	for _, m := range result.Messages {
		if m.Role == "tool" {
			content := providers.ContentToString(m.Content)
			if len(content) >= 6 && content[:6] == "Error:" {
				sawError = true
			}
		}
	}
	if !sawError {
		t.Fatal("unknown tool did not produce an Error: tool result")
	}
	if result.Content != "handled" {
		t.Fatalf("content = %q", result.Content)
	}
}
