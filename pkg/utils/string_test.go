package utils

import (
	"strings"
	"testing"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "ab"},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.maxLen); got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestSplitMessageShortPassthrough(t *testing.T) {
	chunks := SplitMessage("hello world", 100)
	if len(chunks) != 1 || chunks[0] != "hello world" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func TestSplitMessageBreaksOnNewline(t *testing.T) {
	content := strings.Repeat("line one\n", 30)
	chunks := SplitMessage(content, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d is %d runes, over the limit", i, len([]rune(c)))
		}
		if strings.HasSuffix(c, " ") || strings.HasPrefix(c, " ") {
			t.Fatalf("chunk %d not trimmed: %q", i, c)
		}
	}
}

func TestSplitMessageKeepsCodeBlockIntact(t *testing.T) {
	code := "```\n" + strings.Repeat("x := 1\n", 12) + "```"
	content := strings.Repeat("intro text\n", 5) + code

	chunks := SplitMessage(content, 80)
	var codeChunk string
	for _, c := range chunks {
		if strings.Contains(c, "x := 1") {
			codeChunk = c
			break
		}
	}
	if codeChunk == "" {
		t.Fatalf("code block missing from chunks: %v", chunks)
	}
	if strings.Count(codeChunk, "```")%2 != 0 {
		t.Fatalf("code fence split across chunks: %q", codeChunk)
	}
}

func TestSplitMessageHardWrapWithoutBreakpoints(t *testing.T) {
	content := strings.Repeat("a", 250)
	chunks := SplitMessage(content, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 250 {
		t.Fatalf("reassembled length = %d, want 250", total)
	}
}
