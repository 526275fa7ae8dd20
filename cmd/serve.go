package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the outbox relay when queue.embedded is set)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := app.New(cfg, log, app.Options{HTTP: true, Dispatch: cfg.Queue.Embedded})
		if err != nil {
			return fmt.Errorf("build app: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.Start(ctx); err != nil {
			return err
		}

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case runErr = <-a.Err():
			log.Error("component exited", zap.Error(runErr))
		}

		timeout := cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.Stop(shutdownCtx); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}

		return runErr
	},
}
