package providers

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Some models cannot emit native tool_calls and fall back to an in-band
// DSML convention. The loop accepts it inbound only: when a response
// carries no native calls, the content is scanned for invoke blocks and
// synthetic tool calls are built from them.
//
// Both the ASCII pipe (U+007C) and the fullwidth pipe (U+FF5C) are
// accepted, and matching is case-insensitive.
var (
	dsmlInvokeRe = regexp.MustCompile(`(?i)<[|｜]DSML[|｜]invoke\s+name="([^"]+)"[^>]*>`)
	dsmlParamRe  = regexp.MustCompile(`(?is)<[|｜]DSML[|｜]parameter\s+name="([^"]+)"[^>]*>(.*?)</[|｜]DSML[|｜]parameter\s*>`)
)

// ContainsDSMLCalls is the cheap pre-check: both literals must appear
// before the regexes are worth running.
func ContainsDSMLCalls(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "invoke") && strings.Contains(lower, "dsml")
}

// ParseDSMLToolCalls extracts tool calls from DSML-formatted content.
// Each invoke opens a block ending at the next invoke opener or end of
// content; every matched parameter inside the block contributes one
// trimmed name→value argument. Empty parameter lists are legal. Returns
// nil when the content carries no DSML invocations.
func ParseDSMLToolCalls(content string) []ToolCall {
	if !ContainsDSMLCalls(content) {
		return nil
	}

	openers := dsmlInvokeRe.FindAllStringSubmatchIndex(content, -1)
	if len(openers) == 0 {
		return nil
	}

	calls := make([]ToolCall, 0, len(openers))
	for i, loc := range openers {
		name := strings.TrimSpace(content[loc[2]:loc[3]])
		if name == "" {
			continue
		}

		blockStart := loc[1]
		blockEnd := len(content)
		if i+1 < len(openers) {
			blockEnd = openers[i+1][0]
		}
		block := content[blockStart:blockEnd]

		args := map[string]any{}
		for _, pm := range dsmlParamRe.FindAllStringSubmatch(block, -1) {
			argName := strings.TrimSpace(pm[1])
			if argName == "" {
				continue
			}
			args[argName] = strings.TrimSpace(pm[2])
		}

		calls = append(calls, ToolCall{
			ID:        "dsml_" + uuid.NewString()[:8],
			Type:      "function",
			Name:      name,
			Arguments: args,
		})
	}

	if len(calls) == 0 {
		return nil
	}
	return calls
}

// StripDSMLCalls removes invoke blocks from content, leaving any
// surrounding prose. Used when the synthesized calls were accepted and
// the remaining text should not echo the markup.
func StripDSMLCalls(content string) string {
	if !ContainsDSMLCalls(content) {
		return content
	}
	openers := dsmlInvokeRe.FindAllStringIndex(content, -1)
	if len(openers) == 0 {
		return content
	}
	// Everything from the first opener onward is markup territory; keep
	// the prose before it.
	return strings.TrimSpace(content[:openers[0][0]])
}
