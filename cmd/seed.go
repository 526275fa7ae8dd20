package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
)

type demoAccount struct {
	UserID   string
	TenantID string
	Credits  int64
	Source   model.CreditSource
}

var demoAccounts = []demoAccount{
	{UserID: "demo-agent-1", TenantID: "demo-brokerage", Credits: 50, Source: model.SourceSubscription},
	{UserID: "demo-agent-2", TenantID: "demo-brokerage", Credits: 200, Source: model.SourcePurchase},
	{UserID: "demo-photographer", TenantID: "demo-studio", Credits: 1000, Source: model.SourceSubscription},
	{UserID: "demo-broke", TenantID: "demo-studio", Credits: 5, Source: model.SourcePromo},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Grant credits to demo accounts and print their bearer tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}

		// 2) connect MySQL
		ledger, closeFn, err := openLedger(cfg, log)
		if err != nil {
			return err
		}
		defer closeFn()

		fmt.Println(">> Seeding demo accounts...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// request ids make re-running the seed a no-op
		for _, a := range demoAccounts {
			res, err := ledger.AddCredits(ctx, credits.Grant{
				AccountID:   a.UserID,
				TenantID:    a.TenantID,
				Amount:      a.Credits,
				Source:      a.Source,
				Description: "demo seed",
				RequestID:   "seed-" + a.UserID,
			})
			if err != nil {
				return fmt.Errorf("seed %s: %w", a.UserID, err)
			}

			tok, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, a.UserID, a.TenantID, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("token %s: %w", a.UserID, err)
			}
			fmt.Printf("%-18s balance=%-5d applied=%-5t token=%s\n", a.UserID, res.Balance, res.Applied, tok)
		}

		fmt.Println(">> Seed completed")
		return nil
	},
}
