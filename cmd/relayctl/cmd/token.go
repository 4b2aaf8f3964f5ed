package cmd

import (
	"fmt"

	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/spf13/cobra"
)

var tokenUserID, tokenUsername string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with JWT_SECRET",
	Long: `Mint a bearer token for an identity. The token is signed with the
configured JWT_SECRET and expires after JWT_TTL. No account lookup is
made, which makes this useful for load tests and local development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUserID == "" {
			return fmt.Errorf("--user-id is required: %w", domain.ErrMalformedInput)
		}
		cfg := config.New()
		tokens := auth.NewTokens(cfg.GetJWTSecret(), cfg.GetJWTTTL())
		token, err := tokens.Issue(domain.Identity{ID: tokenUserID, DisplayName: tokenUsername})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "user ID carried by the token")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "display name carried by the token")
	rootCmd.AddCommand(tokenCmd)
}
