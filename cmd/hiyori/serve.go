package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/hiyori/internal/app"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	Long: `Serve the chat API, the server-sent event stream, the renderer
WebSocket and the static web UI. The config file is watched and persona,
voice and log-level changes apply without a restart; SIGHUP forces a reload.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	var current atomic.Pointer[app.App]
	onChange := func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			logLevel.Set(slogLevel(new.Server.LogLevel))
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
		if a := current.Load(); a != nil {
			if d := a.ApplyConfig(old, new); !d.Empty() {
				slog.Info("config applied", "personas", d.PersonasChanged, "speech", d.SpeechChanged)
			}
		}
	}

	var (
		cfg     *config.Config
		watcher *config.Watcher
	)
	if _, err := os.Stat(configPath); err == nil {
		watcher, err = config.NewWatcher(configPath, onChange)
		if err != nil {
			return err
		}
		defer watcher.Stop()
		cfg = watcher.Current()
	} else {
		var err error
		if cfg, _, err = loadConfig(cmd); err != nil {
			return err
		}
	}
	logLevel.Set(slogLevel(cfg.Server.LogLevel))

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}

	printStartupSummary(cmd, cfg)

	application, err := app.New(ctx, cfg, providers, app.WithTelemetry(tel))
	if err != nil {
		return err
	}
	current.Store(application)

	if watcher != nil {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if !watcher.Reload() {
						slog.Info("SIGHUP: configuration unchanged")
					}
				}
			}
		}()
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", cfg.Server.ListenAddr)
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	rows := [][2]string{
		{"LLM", providerLabel(cfg.Providers.LLM, "demo")},
		{"TTS", providerLabel(cfg.Providers.TTS, "(not configured)")},
		{"Speech", string(cfg.Speech.Backend)},
		{"Storage", string(cfg.Storage.Backend)},
		{"Personas", fmt.Sprintf("%d (default %s)", len(cfg.Personas), cfg.DefaultPersona)},
		{"Listen", cfg.Server.ListenAddr},
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, titleStyle.Render("Hiyori startup summary"))
	for _, r := range rows {
		fmt.Fprintf(out, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", r[0])), r[1])
	}
}

func providerLabel(e config.ProviderEntry, fallback string) string {
	switch {
	case e.Name == "":
		return fallback
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}
