package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/app"
	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/logger"
)

var dispatchOnce bool

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Consume queue wake-ups, relay the outbox to providers and reap stale jobs",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().BoolVar(&dispatchOnce, "once", false, "drain due outbox rows once and exit")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Store.Driver != "mysql" {
		return fmt.Errorf("a standalone dispatcher needs store.driver=mysql (got %q)", cfg.Store.Driver)
	}

	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	// 2) container without the HTTP surface
	a, err := app.New(cfg, log, app.Options{Dispatch: true})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dispatchOnce {
		defer func() { _ = a.Stop(context.Background()) }()
		stats, err := a.Relay.DispatchDue(ctx)
		if err != nil {
			return err
		}
		log.Info("dispatch pass done",
			zap.Int("claimed", stats.Claimed),
			zap.Int("delivered", stats.Delivered),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
		)
		return nil
	}

	// 3) run until signalled
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Outbox.DispatchTimeout+5*time.Second)
	defer cancel()
	if err := a.Stop(shutdownCtx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return runErr
}
