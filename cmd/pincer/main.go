package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pincerlabs/pincer/pkg/config"
)

var (
	version   = "dev"
	gitCommit string
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "pincer",
		Short:         "Personal AI agent with multi-channel chat, background tasks, and cron",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "Config file path")

	root.AddCommand(
		newRunCmd(),
		newAgentCmd(),
		newCronCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("pincer %s\n  Go: %s\n", v, runtime.Version())
		},
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
