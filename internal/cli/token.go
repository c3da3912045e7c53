package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/identity"
)

var (
	tokenPrincipal string
	tokenCaps      []string
	tokenTTL       time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenIssueCmd.Flags().StringVar(&tokenPrincipal, "principal", "", "Principal the token asserts (required)")
	tokenIssueCmd.Flags().StringSliceVar(&tokenCaps, "cap", nil, "Capability granted to the session (repeatable)")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	tokenIssueCmd.MarkFlagRequired("principal")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Session token operations",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed session token",
	Long: "Signs a token with the configured secret. A front end presents it in the\n" +
		"handshake to assert a principal and capabilities.",
	RunE: runTokenIssue,
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	secret, err := cfg.TokenSecret()
	if err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("no token secret configured (auth.token_secret or auth.token_secret_file)")
	}
	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	tok, err := identity.IssueToken(secret, tokenPrincipal, tokenCaps, ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
