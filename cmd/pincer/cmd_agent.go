package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pincerlabs/pincer/pkg/agent"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/tools"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Talk to the agent from the terminal",
		Long:  "Runs a single turn with -m, or an interactive prompt without it. Messages use the cli channel.",
		RunE:  runAgent,
	}
	cmd.Flags().StringP("message", "m", "", "Process one message and exit")
	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	if _, err := reg.Spawn(ctx, "provider", buildProvider(cfg)); err != nil {
		return fmt.Errorf("spawning provider: %w", err)
	}

	ag, err := agent.New(reg, agent.Options{
		Name:                cfg.Agent.Name,
		ProviderName:        "provider",
		Model:               cfg.Provider.Model,
		Workspace:           cfg.Agent.Workspace,
		RestrictToWorkspace: cfg.Agent.RestrictToWorkspace,
		SessionsDir:         cfg.Agent.SessionsDir,
		MaxIterations:       cfg.Agent.MaxToolIterations,
		LLMOptions:          cfg.LLMOptions(),
	})
	if err != nil {
		return err
	}
	if _, err := reg.Spawn(ctx, "agent", ag); err != nil {
		return fmt.Errorf("spawning agent: %w", err)
	}
	defer ag.Stop()

	message, _ := cmd.Flags().GetString("message")
	if message != "" {
		return streamTurn(ctx, ag, message)
	}

	fmt.Println("Interactive mode. Ctrl-D or /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := streamTurn(ctx, ag, line); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
}

func streamTurn(ctx context.Context, ag *agent.Agent, message string) error {
	_, err := ag.ProcessStream(ctx, "cli", "user", "direct", message, nil, func(chunk tools.Chunk) error {
		switch chunk.Kind {
		case tools.ChunkToken:
			fmt.Print(chunk.Text)
		case tools.ChunkToolCall:
			fmt.Printf("\n[tool: %s]\n", chunk.ToolName)
		case tools.ChunkDone:
			fmt.Println()
		}
		return nil
	})
	return err
}
