package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestrix/pipeline/internal/config"
	"github.com/orchestrix/pipeline/pkg/auth"
)

// tokenCmd mints an operator JWT offline from the configured shared secret.
// There is no /auth/login endpoint on the control surface: an operator
// identity is not looked up anywhere, it is simply asserted by whoever holds
// the secret, so minting happens here rather than over HTTP.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint operator access tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var role, subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed JWT for the control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleAdmin && role != auth.RoleOperator {
				return fmt.Errorf("role must be %q or %q", auth.RoleAdmin, auth.RoleOperator)
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			jwtSvc, err := auth.NewJWTService(cfg.API.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("create jwt service: %w", err)
			}

			pair, err := jwtSvc.GenerateToken(subject, role)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}

			fmt.Println(pair.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "role to embed in the token (admin|operator)")
	cmd.Flags().StringVar(&subject, "subject", "cli-operator", "token subject label")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
