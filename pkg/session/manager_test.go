package session

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"telegram:12345", "telegram_12345"},
		{"cli:direct", "cli_direct"},
		{"discord:chat/../../etc", "discord_chat_.._.._etc"},
		{"plain-key_1.2", "plain-key_1.2"},
		{"emoji🦞key", "emoji_key"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	key := "telegram:42"
	m.GetOrCreate(key)
	m.AddMessage(key, "user", "hello")
	m.AddMessage(key, "assistant", "hi there")
	if err := m.Save(key); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A fresh manager over the same directory reloads the records.
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	m2.GetOrCreate(key)
	history := m2.History(key, 0)
	if len(history) != 2 {
		t.Fatalf("history = %d records, want 2", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "hello" {
		t.Fatalf("first record = %+v", history[0])
	}
	if history[1].Role != "assistant" || history[1].Content != "hi there" {
		t.Fatalf("second record = %+v", history[1])
	}
}

func TestSessionFileLayout(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := "cli:direct"
	m.GetOrCreate(key)
	m.AddMessage(key, "user", "ping")
	if err := m.Save(key); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	f, err := os.Open(m.pathFor(key))
	if err != nil {
		t.Fatalf("open session file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("session file is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if meta["_type"] != "metadata" {
		t.Fatalf("first line _type = %v, want metadata", meta["_type"])
	}

	if !scanner.Scan() {
		t.Fatal("record line missing")
	}
	var record Message
	if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
		t.Fatalf("record line is not JSON: %v", err)
	}
	if record.Role != "user" || record.Content != "ping" {
		t.Fatalf("record = %+v", record)
	}
}

func TestHistoryLimit(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := "cli:direct"
	for i := 0; i < 10; i++ {
		m.AddMessage(key, "user", strings.Repeat("x", i+1))
	}

	history := m.History(key, 3)
	if len(history) != 3 {
		t.Fatalf("history = %d, want 3", len(history))
	}
	if history[2].Content != strings.Repeat("x", 10) {
		t.Fatal("limit did not keep the most recent records")
	}
}

func TestCorruptRecordsAreSkipped(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := "cli:direct"
	path := m.pathFor(key)
	content := `{"_type":"metadata","created_at":"2026-08-24T10:00:00Z","updated_at":"2026-08-24T10:00:00Z"}
{"role":"user","content":"good record","timestamp":"2026-08-24T10:00:01Z"}
this line is garbage
{"role":"assistant","content":"also good","timestamp":"2026-08-24T10:00:02Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m.GetOrCreate(key)
	history := m.History(key, 0)
	if len(history) != 2 {
		t.Fatalf("history = %d records, want 2 (corrupt line skipped)", len(history))
	}
}

func TestAddMessageLoadsPersistedRecordsFirst(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	key := "telegram:42"
	m.AddMessage(key, "user", "old question")
	m.AddMessage(key, "assistant", "old answer")
	if err := m.Save(key); err != nil {
		t.Fatal(err)
	}

	// A fresh manager appending to the same key must not shadow what is
	// already on disk.
	m2, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	m2.AddMessage(key, "user", "new question")
	m2.AddMessage(key, "assistant", "new answer")
	if err := m2.Save(key); err != nil {
		t.Fatal(err)
	}

	m3, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	m3.GetOrCreate(key)
	history := m3.History(key, 0)
	if len(history) != 4 {
		t.Fatalf("history = %d records, want 4", len(history))
	}
	if history[0].Content != "old question" || history[3].Content != "new answer" {
		t.Fatalf("history order broken: %+v", history)
	}
}

func TestSaveUnloadedSessionFails(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save("never:touched"); err == nil {
		t.Fatal("Save of unloaded session succeeded")
	}
}
