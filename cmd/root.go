package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/text-remover/config"
	"github.com/angeloszaimis/text-remover/pkg/logger"
)

var logLevel string

// NewRootCmd creates the root command with the serve and invoke subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "text-remover",
		Short:         "Remove text and watermarks from images with fal.ai models",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newServeCmd(), newInvokeCmd())

	return rootCmd
}

// loadConfig reads the configuration and builds a logger writing to w.
func loadConfig(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}

	log := logger.NewWithWriter(w, level, true, cfg.Server.Environment)

	return cfg, log, nil
}
