package providers

import (
	"strings"
	"testing"
)

func TestParseDSMLToolCallsSingleInvoke(t *testing.T) {
	content := `I'll check the weather.
<|DSML|invoke name="get_weather">
<|DSML|parameter name="city">Paris</|DSML|parameter>
<|DSML|parameter name="units">metric</|DSML|parameter>
</|DSML|invoke>`

	calls := ParseDSMLToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.Name != "get_weather" {
		t.Fatalf("name = %q", call.Name)
	}
	if !strings.HasPrefix(call.ID, "dsml_") {
		t.Fatalf("id %q lacks dsml_ prefix", call.ID)
	}
	if call.Arguments["city"] != "Paris" || call.Arguments["units"] != "metric" {
		t.Fatalf("arguments = %v", call.Arguments)
	}
}

func TestParseDSMLToolCallsFullwidthPipeAndCase(t *testing.T) {
	content := `<｜dsml｜INVOKE name="exec">
<｜DSML｜Parameter name="command">ls -la</｜DSML｜parameter>`

	calls := ParseDSMLToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "exec" {
		t.Fatalf("name = %q", calls[0].Name)
	}
	if calls[0].Arguments["command"] != "ls -la" {
		t.Fatalf("arguments = %v", calls[0].Arguments)
	}
}

func TestParseDSMLToolCallsMultipleInvokes(t *testing.T) {
	content := `<|DSML|invoke name="read_file">
<|DSML|parameter name="path">a.txt</|DSML|parameter>
<|DSML|invoke name="list_dir">
<|DSML|parameter name="path">.</|DSML|parameter>`

	calls := ParseDSMLToolCalls(content)
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments["path"] != "a.txt" {
		t.Fatalf("first call = %+v", calls[0])
	}
	if calls[1].Name != "list_dir" || calls[1].Arguments["path"] != "." {
		t.Fatalf("second call = %+v", calls[1])
	}
	if calls[0].ID == calls[1].ID {
		t.Fatal("ids must be unique per call")
	}
}

func TestParseDSMLToolCallsEmptyParameters(t *testing.T) {
	calls := ParseDSMLToolCalls(`<|DSML|invoke name="status">`)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if len(calls[0].Arguments) != 0 {
		t.Fatalf("arguments = %v, want empty", calls[0].Arguments)
	}
}

func TestParseDSMLToolCallsMultilineValue(t *testing.T) {
	content := "<|DSML|invoke name=\"write_file\">\n" +
		"<|DSML|parameter name=\"content\">line one\nline two</|DSML|parameter>"

	calls := ParseDSMLToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Arguments["content"] != "line one\nline two" {
		t.Fatalf("content arg = %q", calls[0].Arguments["content"])
	}
}

func TestParseDSMLToolCallsPlainTextUntouched(t *testing.T) {
	for _, content := range []string{
		"",
		"just a normal answer",
		"we should invoke the lawyer",           // "invoke" without DSML
		"DSML is a markup language",             // "DSML" without invoke
		"invoke DSML but no actual tags at all", // both literals, no tags
	} {
		if calls := ParseDSMLToolCalls(content); calls != nil {
			t.Fatalf("ParseDSMLToolCalls(%q) = %v, want nil", content, calls)
		}
	}
}

// Parsing must not consume or alter the source content; running it twice
// yields the same calls.
func TestParseDSMLToolCallsIdempotent(t *testing.T) {
	content := `<|DSML|invoke name="exec">
<|DSML|parameter name="command">pwd</|DSML|parameter>`

	first := ParseDSMLToolCalls(content)
	second := ParseDSMLToolCalls(content)
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", len(first), len(second))
	}
	if first[0].Name != second[0].Name {
		t.Fatalf("names differ: %q vs %q", first[0].Name, second[0].Name)
	}
	if first[0].Arguments["command"] != second[0].Arguments["command"] {
		t.Fatal("arguments differ between parses")
	}
}

func TestStripDSMLCallsKeepsLeadingProse(t *testing.T) {
	content := `Let me look that up.
<|DSML|invoke name="web_search">
<|DSML|parameter name="query">weather</|DSML|parameter>`

	if got := StripDSMLCalls(content); got != "Let me look that up." {
		t.Fatalf("StripDSMLCalls = %q", got)
	}
	if got := StripDSMLCalls("no markup here"); got != "no markup here" {
		t.Fatalf("plain content changed: %q", got)
	}
}
