package agent

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/session"
	"github.com/pincerlabs/pincer/pkg/tools"
)

// mockProvider answers every Chat call through the reply function and
// tracks concurrency.
type mockProvider struct {
	reply func(messages []providers.Message) *providers.LLMResponse

	mu       sync.Mutex
	calls    [][]providers.Message
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (p *mockProvider) Chat(ctx context.Context, messages []providers.Message, toolDefs []providers.ToolDefinition, model string, options map[string]any) (*providers.LLMResponse, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		max := p.maxSeen.Load()
		if cur <= max || p.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, append([]providers.Message(nil), messages...))
	p.mu.Unlock()

	if p.reply != nil {
		return p.reply(messages), nil
	}
	return &providers.LLMResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (p *mockProvider) ChatStream(ctx context.Context, messages []providers.Message, model string, options map[string]any, onDelta func(string)) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{FinishReason: "stop"}, nil
}

func (p *mockProvider) GetDefaultModel() string { return "mock-model" }

func newTestAgent(t *testing.T, provider providers.LLMProvider) (*Agent, *registry.Registry, string) {
	t.Helper()
	ctx := context.Background()
	reg := registry.New()
	_, err := reg.Spawn(ctx, "provider", provider)
	require.NoError(t, err)

	workspace := t.TempDir()
	sessionsDir := filepath.Join(workspace, "sessions")
	ag, err := New(reg, Options{
		Name:                "pincer",
		ProviderName:        "provider",
		Workspace:           workspace,
		RestrictToWorkspace: true,
		SessionsDir:         sessionsDir,
	})
	require.NoError(t, err)
	_, err = reg.Spawn(ctx, "agent", ag)
	require.NoError(t, err)
	return ag, reg, sessionsDir
}

func TestProcessPersistsTurn(t *testing.T) {
	provider := &mockProvider{
		reply: func(messages []providers.Message) *providers.LLMResponse {
			return &providers.LLMResponse{Content: "the answer", FinishReason: "stop"}
		},
	}
	ag, _, sessionsDir := newTestAgent(t, provider)

	out, err := ag.Process(context.Background(), "cli", "user", "direct", "what is up?", nil)
	require.NoError(t, err)
	require.Equal(t, "the answer", out)

	// The turn preamble sends [system, user]; the system prompt carries
	// the tool index.
	require.NotEmpty(t, provider.calls)
	first := provider.calls[0]
	require.Equal(t, "system", first[0].Role)
	require.Contains(t, providers.ContentToString(first[0].Content), "read_file")
	require.Equal(t, "user", first[len(first)-1].Role)

	// Both records hit the persisted session.
	reloaded, err := session.NewManager(sessionsDir)
	require.NoError(t, err)
	reloaded.GetOrCreate("cli:direct")
	history := reloaded.History("cli:direct", 0)
	require.Len(t, history, 2)
	require.Equal(t, "user", history[0].Role)
	require.Equal(t, "what is up?", history[0].Content)
	require.Equal(t, "assistant", history[1].Role)
	require.Equal(t, "the answer", history[1].Content)
}

func TestProcessReplaysHistory(t *testing.T) {
	provider := &mockProvider{}
	ag, _, _ := newTestAgent(t, provider)
	ctx := context.Background()

	_, err := ag.Process(ctx, "cli", "user", "direct", "first message", nil)
	require.NoError(t, err)
	_, err = ag.Process(ctx, "cli", "user", "direct", "second message", nil)
	require.NoError(t, err)

	last := provider.calls[len(provider.calls)-1]
	var sawFirst bool
	for _, m := range last {
		if providers.ContentToString(m.Content) == "first message" {
			sawFirst = true
		}
	}
	require.True(t, sawFirst, "prior turn missing from replayed history")
}

// A new process over the same sessions dir must replay what the old
// one persisted, and saving must extend the file rather than rewrite
// it from scratch.
func TestProcessReloadsPersistedSessionsAfterRestart(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	sessionsDir := filepath.Join(workspace, "sessions")

	boot := func(provider providers.LLMProvider) *Agent {
		reg := registry.New()
		_, err := reg.Spawn(ctx, "provider", provider)
		require.NoError(t, err)
		ag, err := New(reg, Options{
			Name:         "pincer",
			ProviderName: "provider",
			Workspace:    workspace,
			SessionsDir:  sessionsDir,
		})
		require.NoError(t, err)
		_, err = reg.Spawn(ctx, "agent", ag)
		require.NoError(t, err)
		return ag
	}

	first := &mockProvider{}
	_, err := boot(first).Process(ctx, "cli", "user", "direct", "first message", nil)
	require.NoError(t, err)

	second := &mockProvider{}
	_, err = boot(second).Process(ctx, "cli", "user", "direct", "second message", nil)
	require.NoError(t, err)

	var sawFirst bool
	for _, m := range second.calls[0] {
		if providers.ContentToString(m.Content) == "first message" {
			sawFirst = true
		}
	}
	require.True(t, sawFirst, "persisted history was not replayed after restart")

	reloaded, err := session.NewManager(sessionsDir)
	require.NoError(t, err)
	reloaded.GetOrCreate("cli:direct")
	history := reloaded.History("cli:direct", 0)
	require.Len(t, history, 4)
	require.Equal(t, "first message", history[0].Content)
	require.Equal(t, "second message", history[2].Content)
}

func TestAnnounceRunsSyntheticSystemTurn(t *testing.T) {
	provider := &mockProvider{
		reply: func(messages []providers.Message) *providers.LLMResponse {
			return &providers.LLMResponse{Content: "noted, task done", FinishReason: "stop"}
		},
	}
	ag, _, sessionsDir := newTestAgent(t, provider)

	// Origin channel "cli" has no registered channel actor, so no
	// outbound delivery happens; the turn must still succeed.
	out, err := ag.Announce(context.Background(), "cli", "direct", "Task 'demo' completed successfully.")
	require.NoError(t, err)
	require.Equal(t, "noted, task done", out)

	reloaded, err := session.NewManager(sessionsDir)
	require.NoError(t, err)
	reloaded.GetOrCreate("cli:direct")
	history := reloaded.History("cli:direct", 0)
	require.Len(t, history, 2)
	require.True(t, strings.HasPrefix(history[0].Content, "[System: subagent] "),
		"announce user record = %q", history[0].Content)
	require.Equal(t, "noted, task done", history[1].Content)
}

// Full spawn → tool loop → announce round-trip against the real
// subagent manager.
func TestSubagentAnnounceRoundTrip(t *testing.T) {
	provider := &mockProvider{
		reply: func(messages []providers.Message) *providers.LLMResponse {
			// The subagent's system prompt names it a background worker;
			// the parent turn sees the announce as a user record.
			if strings.Contains(providers.ContentToString(messages[0].Content), "background worker") {
				return &providers.LLMResponse{Content: "done", FinishReason: "stop"}
			}
			return &providers.LLMResponse{Content: "summary for the user", FinishReason: "stop"}
		},
	}
	_, reg, sessionsDir := newTestAgent(t, provider)

	manager := tools.NewSubagentManager(reg, "provider", "agent", t.TempDir(), true, "", nil)
	id, err := manager.Spawn(context.Background(), "count the files", "demo", "cli", "direct")
	require.NoError(t, err)
	require.Len(t, id, 8)

	// The worker announces before it leaves the running set.
	require.Eventually(t, func() bool { return manager.RunningCount() == 0 },
		5*time.Second, 10*time.Millisecond, "background task did not finish")

	reloaded, err := session.NewManager(sessionsDir)
	require.NoError(t, err)
	reloaded.GetOrCreate("cli:direct")
	history := reloaded.History("cli:direct", 0)
	require.Len(t, history, 2)

	announce := history[0].Content
	require.True(t, strings.HasPrefix(announce, "[System: subagent] "), "announce = %q", announce)
	require.Contains(t, announce, "Task 'demo' completed successfully.")
	require.Contains(t, announce, "Task:\ncount the files")
	require.Contains(t, announce, "Result:\ndone")
	require.Equal(t, "summary for the user", history[1].Content)
}

func TestTurnsOnSameKeyAreSerialized(t *testing.T) {
	provider := &mockProvider{
		reply: func(messages []providers.Message) *providers.LLMResponse {
			time.Sleep(10 * time.Millisecond)
			return &providers.LLMResponse{Content: "ok", FinishReason: "stop"}
		},
	}
	ag, _, _ := newTestAgent(t, provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ag.Process(ctx, "cli", "user", "direct", "turn", nil)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, provider.maxSeen.Load(),
		"turns on the same session key overlapped at the provider")
}

func TestTurnsOnDifferentKeysInterleave(t *testing.T) {
	release := make(chan struct{})
	var waiting atomic.Int32
	provider := &mockProvider{
		reply: func(messages []providers.Message) *providers.LLMResponse {
			waiting.Add(1)
			<-release
			return &providers.LLMResponse{Content: "ok", FinishReason: "stop"}
		},
	}
	ag, _, _ := newTestAgent(t, provider)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, chat := range []string{"chat-a", "chat-b"} {
		chat := chat
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ag.Process(ctx, "cli", "user", chat, "turn", nil)
			require.NoError(t, err)
		}()
	}

	// Both turns must reach the provider while neither has finished.
	require.Eventually(t, func() bool { return waiting.Load() == 2 },
		2*time.Second, 5*time.Millisecond, "different keys did not run in parallel")
	close(release)
	wg.Wait()
}
