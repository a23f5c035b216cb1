package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pincerlabs/pincer/pkg/agent"
	"github.com/pincerlabs/pincer/pkg/channels"
	"github.com/pincerlabs/pincer/pkg/config"
	"github.com/pincerlabs/pincer/pkg/cron"
	"github.com/pincerlabs/pincer/pkg/logger"
	"github.com/pincerlabs/pincer/pkg/providers"
	"github.com/pincerlabs/pincer/pkg/providers/anthropic"
	"github.com/pincerlabs/pincer/pkg/providers/openaicompat"
	"github.com/pincerlabs/pincer/pkg/registry"
	"github.com/pincerlabs/pincer/pkg/tools"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent with all enabled channels",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
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

	var scheduler *cron.Service
	if cfg.Cron.Enabled {
		scheduler = cron.NewService(cfg.Cron.StorePath, reg, "scheduler", "agent")
	}

	var schedulerTool tools.Scheduler
	if scheduler != nil {
		schedulerTool = scheduler
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
		Scheduler:           schedulerTool,
	})
	if err != nil {
		return err
	}
	if _, err := reg.Spawn(ctx, "agent", ag); err != nil {
		return fmt.Errorf("spawning agent: %w", err)
	}

	if scheduler != nil {
		if _, err := reg.Spawn(ctx, "scheduler", scheduler); err != nil {
			return fmt.Errorf("spawning scheduler: %w", err)
		}
	}

	if err := spawnChannels(ctx, reg, cfg); err != nil {
		return err
	}

	logger.InfoCF("main", "pincer is running", map[string]any{
		"actors": reg.Names(),
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.InfoC("main", "Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if scheduler != nil {
		scheduler.Stop()
	}
	ag.Stop()
	reg.Shutdown(shutdownCtx)
	return nil
}

func buildProvider(cfg *config.Config) providers.LLMProvider {
	switch cfg.Provider.Type {
	case "openai":
		return openaicompat.NewProvider(cfg.Provider.APIKey, cfg.Provider.APIBase)
	default:
		return anthropic.NewProvider(cfg.Provider.APIKey, cfg.Provider.APIBase)
	}
}

func spawnChannels(ctx context.Context, reg *registry.Registry, cfg *config.Config) error {
	spawn := func(ch channels.Channel, err error) error {
		if err != nil {
			return err
		}
		_, serr := reg.Spawn(ctx, "channel."+ch.Name(), ch,
			registry.WithRestart(registry.ChannelRestartPolicy()))
		return serr
	}

	if cfg.Channels.Telegram.Enabled {
		if err := spawn(channelOrErr(channels.NewTelegramChannel(cfg.Channels.Telegram, reg))); err != nil {
			return fmt.Errorf("starting telegram: %w", err)
		}
	}
	if cfg.Channels.Discord.Enabled {
		if err := spawn(channelOrErr(channels.NewDiscordChannel(cfg.Channels.Discord, reg))); err != nil {
			return fmt.Errorf("starting discord: %w", err)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if err := spawn(channelOrErr(channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, reg))); err != nil {
			return fmt.Errorf("starting whatsapp: %w", err)
		}
	}
	return nil
}

// channelOrErr adapts a concrete constructor result to the Channel
// interface without a typed-nil on the error path.
func channelOrErr[C channels.Channel](ch C, err error) (channels.Channel, error) {
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func setupLogging(cfg *config.Config) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("main", "Cannot enable file logging", map[string]any{
				"file": cfg.Logging.File, "error": err.Error(),
			})
		}
	}
}
