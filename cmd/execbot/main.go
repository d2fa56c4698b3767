// Package main is the entry point for the signal-driven execution bot.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tathienbao/execbot/internal/config"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "execbot",
	Short: "Signal-driven futures execution bot",
	Long: `execbot tails a file of directional signals (-1, 0, 1) and turns them into
futures orders on a TopstepX account or an in-memory simulator.

Entries are gated by UTC schedules with daily quotas, sized by per-schedule
strategies and protected by a take-profit LIMIT placed once the fill is known.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}

// setupLogging builds the JSON logger on stdout, mirrored to logging.file
// when set. The returned func closes the log file.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.LogLevel(),
	}))
	return logger, closeFn, nil
}
