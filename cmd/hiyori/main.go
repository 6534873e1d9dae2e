// Command hiyori runs the Hiyori companion: a streaming chat service that
// speaks its replies sentence by sentence and drives a Live2D renderer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hiyori/internal/config"
)

var (
	version = "dev"

	configPath string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "hiyori",
	Short: "Streaming voice companion with a Live2D avatar",
	Long: `hiyori serves a chat UI backed by a streaming LLM. Replies are split
into sentences, spoken one at a time, and mirrored on a Live2D renderer
connected over WebSocket.

Quick Start:
  hiyori serve                      # start the HTTP service
  hiyori chat                       # chat in the terminal
  hiyori sessions list              # show stored conversations`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return setupLogging(logFile, config.LogInfo)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	rootCmd.AddCommand(serveCmd, chatCmd, sessionsCmd)
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "hiyori: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads --config. A missing file is only an error when the flag
// was set explicitly; otherwise the built-in defaults are used.
func loadConfig(cmd *cobra.Command) (cfg *config.Config, fromFile bool, err error) {
	cfg, err = config.Load(configPath)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Warn("config file not found, using defaults", "path", configPath)
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, false, nil
	}
	return nil, false, err
}
