package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/text-remover/config"
	"github.com/angeloszaimis/text-remover/internal/httpserver"
	"github.com/angeloszaimis/text-remover/internal/telemetry"
)

const healthWatchInterval = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve both handlers over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	shutdownTracing, err := telemetry.Init(cfg.Tracing)
	if err != nil {
		log.Error("Failed to initialize tracing", slog.Any("err", err))
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("Failed to flush traces", slog.Any("err", err))
		}
	}()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to build handlers", slog.Any("err", err))
		return err
	}

	if !a.client.Configured() {
		log.Warn("Inference API key is not set, requests will fail until it is",
			slog.String("key", cfg.Fal.KeyName))
	}

	a.collector.Start(ctx)

	checker := a.healthChecker()
	go checker.Watch(ctx, healthWatchInterval)

	srv, err := httpserver.New(cfg.Server.Address, setupRouter(a, checker), httpserver.Timeouts{
		Read:  config.Duration(cfg.Server.ReadTimeout),
		Write: config.Duration(cfg.Server.WriteTimeout),
		Idle:  config.Duration(cfg.Server.IdleTimeout),
	})
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	srvErrCh := make(chan error, 1)

	go func() {
		log.Info("Server listening", slog.String("addr", srv.Addr()))
		srvErrCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
			return err
		}
		return nil
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting server", slog.Any("err", err))
		}
		return err
	}
}
