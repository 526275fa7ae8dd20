package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/cmd/worker"
	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/logger"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "enhancer",
		Short: "Photo enhancement job orchestrator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real deployments set the environment directly
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			return nil
		},
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (defaults are embedded)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// bootstrap loads and validates config and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logger.New(cfg.App.LogLevel, cfg.App.LogEncoding)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))
	return cfg, log, nil
}
