package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpscope/mcpscope/internal/bridge"
	"github.com/mcpscope/mcpscope/internal/config"
	"github.com/mcpscope/mcpscope/internal/eventbus"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the bridge (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "mcpscope-bridge.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	bus := eventbus.New()
	defer bus.Close()
	logger := newLogger(cfg.Logging, bus)

	b, err := bridge.New(cfg, bus, logger, version)
	if err != nil {
		logger.Error("failed to initialize bridge", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
		forceExitAfter(shutdownDeadline(cfg), logger, os.Exit)

		// A second signal skips the graceful path.
		sig = <-sigCh
		logger.Warn("second signal, exiting immediately", "signal", sig)
		os.Exit(1)
	}()

	logger.Info("mcpscope bridge starting", "version", version, "config", configPath)

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("bridge error", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge stopped")
	return nil
}

// shutdownDeadline is how long graceful shutdown may take before the
// process is forced out: the configured server drain window plus margin for
// store and socket teardown.
func shutdownDeadline(cfg *config.Config) time.Duration {
	window := cfg.Server.ShutdownTimeout.Duration
	if window <= 0 {
		window = 10 * time.Second
	}
	return window + 5*time.Second
}

// forceExitAfter arms a one-shot timer that ends the process if graceful
// shutdown wedges. A clean exit beats the timer; nothing needs to stop it.
func forceExitAfter(d time.Duration, logger *slog.Logger, exit func(int)) *time.Timer {
	return time.AfterFunc(d, func() {
		logger.Error("graceful shutdown stalled, forcing exit", "after", d)
		exit(1)
	})
}

// newLogger builds the slog logger from config, teeing records onto the
// event bus so IPC subscribers can watch logs live.
func newLogger(cfg config.LoggingConfig, bus *eventbus.Bus) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(eventbus.NewSlogHandler(handler, bus))
}
