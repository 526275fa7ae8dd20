package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
)

var tokenFlags struct {
	user, tenant string
	ttl          time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := bootstrap()
		if err != nil {
			return err
		}
		tok, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, tokenFlags.user, tokenFlags.tenant, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.user, "user", "", "subject (user id)")
	tokenCmd.Flags().StringVar(&tokenFlags.tenant, "tenant", "", "tenant id claim")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}
