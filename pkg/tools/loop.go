package tools

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/utils"
)

// NoResponseSentinel is emitted when the loop exhausts its iteration or
// empty-response budget without producing final text.
const NoResponseSentinel = "I've completed processing but have no response to give."

const (
	DefaultMaxIterations         = 25
	SubagentMaxIterations        = 15
	DefaultEmptyResponseRetries  = 1
	maxEmptyRetryBackoff         = 10 * time.Second
	toolResultPreviewChars       = 200
)

type ChunkKind int

const (
	ChunkToken ChunkKind = iota
	ChunkToolCall
	ChunkToolResult
	ChunkDone
)

// Chunk is one streamed event from the loop: a token of final text, a
// tool-call announcement, a tool-result preview, or completion.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolName string
}

// LoopConfig parameterizes one run of the tool loop. The same core
// drives the main agent and subagents; only the budgets and backoff
// behavior differ.
type LoopConfig struct {
	Provider           providers.LLMProvider
	Model              string
	Tools              *Registry
	ToolContext        Context
	MaxIterations      int
	MaxContextMessages int
	MaxToolResultChars int
	EmptyRetries       int
	// JitterBackoff enables exponential jittered sleeps between
	// empty-response retries (subagents).
	JitterBackoff bool
	// GroupToolBlocks selects the subagent compaction mode that drops
	// whole assistant+tool blocks instead of raw tail messages.
	GroupToolBlocks bool
	LLMOptions      map[string]any
	// Emit receives chunks as they are produced; nil is allowed.
	Emit func(Chunk) error
}

type LoopResult struct {
	Content    string
	Iterations int
	Messages   []providers.Message
}

// ErrLLM marks provider-level failures; the current turn is aborted.
var ErrLLM = errors.New("llm call failed")

func (cfg *LoopConfig) applyDefaults() {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = MaxContextMessages
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = MaxToolResultChars
	}
	if cfg.EmptyRetries < 0 {
		cfg.EmptyRetries = 0
	} else if cfg.EmptyRetries == 0 {
		cfg.EmptyRetries = DefaultEmptyResponseRetries
	}
	if cfg.Model == "" {
		cfg.Model = cfg.Provider.GetDefaultModel()
	}
}

// RunToolLoop drives the bounded LLM ↔ tool cycle over messages.
//
// Tool-capable chat is always non-streaming; after any iteration that
// executed tools, the next iteration opens a streaming call with no
// tools, where the model is expected to produce final prose. A stream
// that yields zero deltas falls back to the non-streaming branch; the
// any-delta guard prevents deadlocking on silent streams.
func RunToolLoop(ctx context.Context, cfg LoopConfig, messages []providers.Message) (*LoopResult, error) {
	cfg.applyDefaults()

	emit := cfg.Emit
	if emit == nil {
		emit = func(Chunk) error { return nil }
	}
	compact := func(msgs []providers.Message) []providers.Message {
		if cfg.GroupToolBlocks {
			return CompactMessagesGrouped(msgs, cfg.MaxContextMessages)
		}
		return CompactMessages(msgs, cfg.MaxContextMessages)
	}

	hadToolCalls := false
	empties := 0

	for iteration := 0; iteration < cfg.MaxIterations; iteration++ {
		messages = compact(messages)

		if hadToolCalls && iteration > 0 {
			anyDelta := false
			var streamed strings.Builder
			_, err := cfg.Provider.ChatStream(ctx, messages, cfg.Model, cfg.LLMOptions, func(delta string) {
				if delta == "" {
					return
				}
				anyDelta = true
				streamed.WriteString(delta)
				_ = emit(Chunk{Kind: ChunkToken, Text: delta})
			})
			if err != nil {
				return nil, errors.Join(ErrLLM, err)
			}
			if anyDelta {
				_ = emit(Chunk{Kind: ChunkDone})
				return &LoopResult{
					Content:    streamed.String(),
					Iterations: iteration + 1,
					Messages:   messages,
				}, nil
			}
			// No deltas arrived; retry below with the tool-capable call.
		}

		resp, err := cfg.Provider.Chat(ctx, messages, cfg.Tools.Definitions(), cfg.Model, cfg.LLMOptions)
		if err != nil {
			return nil, errors.Join(ErrLLM, err)
		}
		if resp.IsError() {
			return nil, errors.Join(ErrLLM, errors.New(resp.Content))
		}

		content := providers.ContentToString(resp.Content)
		toolCalls := resp.ToolCalls

		if len(toolCalls) == 0 {
			if dsml := providers.ParseDSMLToolCalls(content); len(dsml) > 0 {
				toolCalls = dsml
				// The calls are synthesized; the replayed assistant
				// content keeps only the prose around the markup.
				content = providers.StripDSMLCalls(content)
			} else {
				if content != "" {
					_ = emit(Chunk{Kind: ChunkToken, Text: content})
					_ = emit(Chunk{Kind: ChunkDone})
					return &LoopResult{
						Content:    content,
						Iterations: iteration + 1,
						Messages:   messages,
					}, nil
				}
				empties++
				if empties > cfg.EmptyRetries {
					break
				}
				logger.DebugCF("loop", "Empty LLM response, retrying", map[string]any{
					"attempt": empties,
				})
				if cfg.JitterBackoff {
					sleepWithJitter(ctx, empties)
				}
				continue
			}
		}

		hadToolCalls = true
		messages = append(messages, assistantMessage(content, toolCalls))

		for _, tc := range toolCalls {
			_ = emit(Chunk{Kind: ChunkToolCall, ToolName: tc.Name})

			result := cfg.Tools.Execute(ctx, tc.Name, tc.Arguments, cfg.ToolContext)
			injected := TruncateToolResult(result.ForLLM, cfg.MaxToolResultChars)

			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    injected,
			})

			_ = emit(Chunk{
				Kind:     ChunkToolResult,
				Text:     utils.Truncate(injected, toolResultPreviewChars),
				ToolName: tc.Name,
			})
		}
	}

	_ = emit(Chunk{Kind: ChunkToken, Text: NoResponseSentinel})
	_ = emit(Chunk{Kind: ChunkDone})
	return &LoopResult{
		Content:    NoResponseSentinel,
		Iterations: cfg.MaxIterations,
		Messages:   messages,
	}, nil
}

// assistantMessage re-encodes tool-call arguments as JSON strings
// inside function.arguments, the replay format every major provider
// requires, while keeping the parsed map for providers that want it.
func assistantMessage(content string, toolCalls []providers.ToolCall) providers.Message {
	encoded := make([]providers.ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		argJSON, err := json.Marshal(args)
		if err != nil {
			argJSON = []byte("{}")
		}
		encoded = append(encoded, providers.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: &providers.FunctionCall{
				Name:      tc.Name,
				Arguments: string(argJSON),
			},
			Name:      tc.Name,
			Arguments: args,
		})
	}
	return providers.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: encoded,
	}
}

func sleepWithJitter(ctx context.Context, attempt int) {
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > maxEmptyRetryBackoff {
		backoff = maxEmptyRetryBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	select {
	case <-time.After(backoff/2 + jitter):
	case <-ctx.Done():
	}
}
