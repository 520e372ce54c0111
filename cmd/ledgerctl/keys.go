package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/fraudledger/internal/config"
	"github.com/jmerrifield20/fraudledger/internal/identity"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random ledger HMAC key",
	Long: `keygen prints 32 random bytes as hex, suitable for LEDGER_HMAC_KEY.

Store it in your secret manager. Losing it makes existing blocks
unverifiable; leaking it lets an attacker forge HMAC links.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := config.RandomKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var (
	tokenScopes []string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <service-name>",
	Short: "Issue a service token for the append API",
	Long:  `token signs a service JWT with auth.jwt_secret (AUTH_JWT_SECRET).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromViper(v)
		tokens, err := identity.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, tokenTTL)
		if err != nil {
			return fmt.Errorf("auth.jwt_secret: %w", err)
		}
		tok, err := tokens.Issue(args[0], tokenScopes)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", []string{identity.ScopeAppend}, "scopes to grant")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
