package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/db"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit accounts",
}

var grantFlags struct {
	account, tenant, source, description, requestID string
	amount                                          int64
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Add credits to an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		src, ok := model.ParseCreditSource(grantFlags.source)
		if !ok {
			return fmt.Errorf("unknown source %q", grantFlags.source)
		}

		ledger, closeFn, err := openLedger(cfg, log)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		res, err := ledger.AddCredits(ctx, credits.Grant{
			AccountID:   grantFlags.account,
			TenantID:    grantFlags.tenant,
			Amount:      grantFlags.amount,
			Source:      src,
			Description: grantFlags.description,
			RequestID:   grantFlags.requestID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("account=%s applied=%t balance=%d\n", grantFlags.account, res.Applied, res.Balance)
		return nil
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <account-id>",
	Short: "Print an account balance and its latest ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		ledger, closeFn, err := openLedger(cfg, log)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		acc, err := ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("account=%s balance=%d\n", acc.AccountID, acc.Balance)

		entries, err := ledger.History(ctx, args[0], 20)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("  %s %-8s %6d job=%s %s\n", e.CreatedAt.Format(time.RFC3339), e.Op, e.Amount, e.JobID, e.IdempotencyKey)
		}
		return nil
	},
}

func init() {
	f := creditsGrantCmd.Flags()
	f.StringVar(&grantFlags.account, "account", "", "account (user) id")
	f.StringVar(&grantFlags.tenant, "tenant", "", "tenant id")
	f.Int64Var(&grantFlags.amount, "amount", 0, "credits to add")
	f.StringVar(&grantFlags.source, "source", string(model.SourceAdmin), "subscription | purchase | admin | promo")
	f.StringVar(&grantFlags.description, "description", "", "free-form note stored on the ledger row")
	f.StringVar(&grantFlags.requestID, "request-id", "", "makes the grant idempotent")
	_ = creditsGrantCmd.MarkFlagRequired("account")
	_ = creditsGrantCmd.MarkFlagRequired("amount")

	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)
}

// openLedger connects the MySQL-backed ledger. The in-memory store lives
// inside the server process, so CLI commands cannot reach it.
func openLedger(cfg config.Config, log *zap.Logger) (*credits.Ledger, func(), error) {
	if cfg.Store.Driver != "mysql" {
		return nil, nil, errors.New("credit commands need store.driver=mysql; use POST /internal/credits/grant against a memory-backed server")
	}
	sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, poolOpts(cfg.MySQL))
	if err != nil {
		return nil, nil, fmt.Errorf("mysql connect: %w", err)
	}
	ledger := credits.NewLedger(
		repository.NewSQLTransactor(sqlDB, cfg.Store.TxTimeout, cfg.Store.LockRetries),
		repository.NewCreditAccountsRepository(sqlDB),
		repository.NewLedgerRepository(sqlDB),
		log,
	)
	return ledger, func() { _ = sqlDB.Close() }, nil
}

func poolOpts(c config.DatabaseConfig) db.PoolOpts {
	return db.PoolOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}
