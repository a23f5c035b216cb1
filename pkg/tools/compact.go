package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pincerlabs/pincer/pkg/providers"
)

// Context budgets. The main agent compacts to 30 messages, subagents
// to 25; tool results are capped at 3000 / 2000 characters.
const (
	MaxContextMessages         = 30
	SubagentMaxContextMessages = 25
	MaxToolResultChars         = 3000
	SubagentMaxToolResultChars = 2000
)

// CompactMessages bounds the message list before a provider call.
// messages[0] (system) and messages[1] (first user) are always kept;
// the rest is cut to the most recent max-2 entries, and leading tool
// records are popped off the tail so no tool result survives without
// its triggering assistant.
func CompactMessages(messages []providers.Message, max int) []providers.Message {
	if max < 2 || len(messages) <= max {
		return messages
	}

	budget := max - 2
	rest := messages[2:]
	tail := rest[len(rest)-budget:]

	for len(tail) > 0 && tail[0].Role == "tool" {
		tail = tail[1:]
	}

	out := make([]providers.Message, 0, 2+len(tail))
	out = append(out, messages[0], messages[1])
	out = append(out, tail...)
	return out
}

// CompactMessagesGrouped is the subagent variant: assistant turns that
// carry tool calls are grouped with their following tool records into
// atomic blocks, and whole blocks are dropped from the oldest end until
// the budget fits. Tool pairings are never split.
func CompactMessagesGrouped(messages []providers.Message, max int) []providers.Message {
	if max < 2 || len(messages) <= max {
		return messages
	}

	type block struct {
		msgs []providers.Message
	}

	rest := messages[2:]
	var blocks []block
	for i := 0; i < len(rest); i++ {
		msg := rest[i]
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			b := block{msgs: []providers.Message{msg}}
			for i+1 < len(rest) && rest[i+1].Role == "tool" {
				i++
				b.msgs = append(b.msgs, rest[i])
			}
			blocks = append(blocks, b)
		} else {
			blocks = append(blocks, block{msgs: []providers.Message{msg}})
		}
	}

	budget := max - 2
	total := 0
	keepFrom := len(blocks)
	for i := len(blocks) - 1; i >= 0; i-- {
		if total+len(blocks[i].msgs) > budget {
			break
		}
		total += len(blocks[i].msgs)
		keepFrom = i
	}

	out := make([]providers.Message, 0, 2+total)
	out = append(out, messages[0], messages[1])
	for _, b := range blocks[keepFrom:] {
		out = append(out, b.msgs...)
	}
	// A block boundary can still start with a tool record when the list
	// was built from a history that begins mid-pairing.
	for len(out) > 2 && out[2].Role == "tool" {
		out = append(out[:2], out[3:]...)
	}
	return out
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// StripANSI removes terminal escape sequences from tool output.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// TruncateToolResult bounds a tool result at injection time. ANSI
// escapes are stripped first. JSON-looking results that parse are
// prefix-truncated on their pretty-printed form; plain text keeps
// head and tail halves. The sentinel both informs the LLM and tells it
// not to retry the tool.
func TruncateToolResult(result string, maxChars int) string {
	clean := StripANSI(result)
	runes := []rune(clean)
	if len(runes) <= maxChars {
		return clean
	}

	trimmed := strings.TrimSpace(clean)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			if pretty, err := json.MarshalIndent(parsed, "", "  "); err == nil {
				prettyRunes := []rune(string(pretty))
				shown := maxChars
				if shown > len(prettyRunes) {
					shown = len(prettyRunes)
				}
				return string(prettyRunes[:shown]) + fmt.Sprintf(
					"\n[JSON truncated — showed %d of %d chars. Do NOT re-run this tool to see more.]",
					shown, len(prettyRunes),
				)
			}
		}
	}

	half := maxChars / 2
	head := string(runes[:half])
	tail := string(runes[len(runes)-half:])
	return head + fmt.Sprintf(
		"\n[... truncated — showed %d of %d chars. Do NOT re-run this tool to see more.]\n",
		maxChars, len(runes),
	) + tail
}
