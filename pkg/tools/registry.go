package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/utils"
)

// Registry owns the tool set for one agent or subagent. Tool names are
// kept sorted so the definitions sent to the provider are stable across
// calls (prompt-cache friendly).
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	schemas     map[string]*jsonschema.Schema
	sortedNames []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its parameter schema. A tool with
// an uncompilable schema is still registered; its arguments just skip
// validation.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.sortedNames = append(r.sortedNames, name)
		sort.Strings(r.sortedNames)
	}
	r.tools[name] = tool

	if schema, err := compileSchema(name, tool.Parameters()); err != nil {
		logger.WarnCF("tools", "Tool schema does not compile, skipping validation", map[string]any{
			"tool": name, "error": err.Error(),
		})
	} else {
		r.schemas[name] = schema
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.sortedNames))
	copy(out, r.sortedNames)
	return out
}

// Definitions renders the registered tools for the provider, in sorted
// name order.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.sortedNames))
	for _, name := range r.sortedNames {
		tool := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return defs
}

// Execute dispatches one tool call. Arguments are validated against the
// tool's schema first; validation failures, panics, and tool errors all
// come back as "Error: ..." strings, never as Go errors, so the LLM
// decides how to recover.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, tctx Context) (result *ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("tools", "Tool panicked", map[string]any{
				"tool": name, "panic": fmt.Sprintf("%v", rec),
			})
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	if args == nil {
		args = map[string]any{}
	}

	if schema != nil {
		if err := validateArgs(schema, args); err != nil {
			logger.DebugCF("tools", "Tool arguments rejected", map[string]any{
				"tool": name, "error": err.Error(),
			})
			return ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
		}
	}

	if ct, ok := tool.(ContextualTool); ok {
		tool = ct.WithContext(tctx.Channel, tctx.ChatID)
	}

	start := time.Now()
	result = tool.Execute(ctx, args)
	if result == nil {
		result = ErrorResult(fmt.Sprintf("tool %s returned no result", name))
	}

	logger.DebugCF("tools", "Tool executed", map[string]any{
		"tool":     name,
		"duration": time.Since(start).Round(time.Millisecond).String(),
		"is_error": result.IsError,
		"preview":  utils.Truncate(result.ForLLM, 80),
	})
	return result
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name+".schema.json", string(raw))
}

// validateArgs round-trips args through encoding/json so the validator
// sees plain decoded values.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}
