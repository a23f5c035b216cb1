// Package config loads the JSON config file and applies environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Cron     CronConfig     `json:"cron"`
	Logging  LoggingConfig  `json:"logging"`
}

type AgentConfig struct {
	Name                string  `json:"name" env:"PINCER_AGENT_NAME"`
	Workspace           string  `json:"workspace" env:"PINCER_AGENT_WORKSPACE"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace" env:"PINCER_AGENT_RESTRICT_TO_WORKSPACE"`
	MaxToolIterations   int     `json:"max_tool_iterations" env:"PINCER_AGENT_MAX_TOOL_ITERATIONS"`
	MaxTokens           int     `json:"max_tokens" env:"PINCER_AGENT_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"PINCER_AGENT_TEMPERATURE"`
	SessionsDir         string  `json:"sessions_dir" env:"PINCER_AGENT_SESSIONS_DIR"`
}

type ProviderConfig struct {
	// Type selects the wire dialect: "anthropic" or "openai".
	Type    string `json:"type" env:"PINCER_PROVIDER_TYPE"`
	APIKey  string `json:"api_key" env:"PINCER_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"PINCER_PROVIDER_API_BASE"`
	Model   string `json:"model" env:"PINCER_PROVIDER_MODEL"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"PINCER_CHANNELS_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"PINCER_CHANNELS_TELEGRAM_TOKEN"`
	Proxy     string   `json:"proxy" env:"PINCER_CHANNELS_TELEGRAM_PROXY"`
	AllowFrom []string `json:"allow_from" env:"PINCER_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"PINCER_CHANNELS_DISCORD_ENABLED"`
	Token     string   `json:"token" env:"PINCER_CHANNELS_DISCORD_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"PINCER_CHANNELS_DISCORD_ALLOW_FROM"`
}

type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled" env:"PINCER_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string   `json:"bridge_url" env:"PINCER_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom []string `json:"allow_from" env:"PINCER_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type CronConfig struct {
	Enabled   bool   `json:"enabled" env:"PINCER_CRON_ENABLED"`
	StorePath string `json:"store_path" env:"PINCER_CRON_STORE_PATH"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"PINCER_LOG_LEVEL"`
	File  string `json:"file" env:"PINCER_LOG_FILE"`
}

// DefaultConfigPath is ~/.pincer/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".pincer", "config.json")
}

// Load reads the JSON file at path (missing file is not an error),
// applies env overrides, fills defaults, and expands "~" paths.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, jerr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "pincer"
	}
	if c.Agent.Workspace == "" {
		c.Agent.Workspace = "~/.pincer/workspace"
	}
	c.Agent.Workspace = expandHome(c.Agent.Workspace)
	if c.Agent.MaxToolIterations == 0 {
		c.Agent.MaxToolIterations = 25
	}
	if c.Agent.MaxTokens == 0 {
		c.Agent.MaxTokens = 8192
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Agent.SessionsDir == "" {
		c.Agent.SessionsDir = filepath.Join(c.Agent.Workspace, "sessions")
	}
	c.Agent.SessionsDir = expandHome(c.Agent.SessionsDir)

	if c.Provider.Type == "" {
		c.Provider.Type = "anthropic"
	}

	if c.Cron.StorePath == "" {
		c.Cron.StorePath = "~/.pincer/cron/jobs.json"
	}
	c.Cron.StorePath = expandHome(c.Cron.StorePath)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.File = expandHome(c.Logging.File)
}

// LLMOptions translates agent tuning knobs to provider options.
func (c *Config) LLMOptions() map[string]any {
	return map[string]any{
		"max_tokens":  c.Agent.MaxTokens,
		"temperature": c.Agent.Temperature,
	}
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return path
}
