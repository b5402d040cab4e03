package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tracklab/tracklab/internal/config"
	"github.com/tracklab/tracklab/internal/server"
	"github.com/tracklab/tracklab/internal/storage"
	"github.com/tracklab/tracklab/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the local tracking backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runServer(ctx, slog.Default())
	},
}

func runServer(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("tracklab server starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	store, err := storage.Open(ctx, cfg.DSN(), logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()

	buf := server.NewMetricBuffer(store, logger, cfg.MetricBufferSize, cfg.MetricFlushPeriod)
	buf.Start(ctx)

	srv := server.New(server.ServerConfig{
		Store:        store,
		Buffer:       buf,
		Logger:       logger,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Version:      version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		// Stop accepting requests and drain in-flight ones first; they may
		// still append to the buffer, which is flushed afterwards.
		logger.Info("tracklab server shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}

		bufCtx, bufCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer bufCancel()
		buf.Drain(bufCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("tracklab server stopped")
	return nil
}
