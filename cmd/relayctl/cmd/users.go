package cmd

import (
	"fmt"
	"time"

	"github.com/nfrund/dmrelay/internal/auth"
	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List and create user accounts",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every user with their last-seen time",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stores, closeFn, _, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer closeFn(ctx)

		users, err := stores.Users.List(ctx)
		if err != nil {
			return err
		}

		table := newTable(cmd.OutOrStdout(), "ID", "Username", "Last Seen")
		for _, u := range users {
			table.Append([]string{u.ID, u.Username, formatLastSeen(u.LastSeen)})
		}
		table.Render()
		return nil
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		username := domain.NormalizeUsername(args[0])
		if username == "" || len(args[1]) < 8 {
			return fmt.Errorf("username must be non-empty and password at least 8 characters: %w", domain.ErrMalformedInput)
		}

		stores, closeFn, _, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer closeFn(ctx)

		hash, err := auth.HashPassword(args[1])
		if err != nil {
			return err
		}
		user, err := stores.Users.Create(ctx, username, hash)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func formatLastSeen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}

func init() {
	usersCmd.AddCommand(usersListCmd, usersAddCmd)
	rootCmd.AddCommand(usersCmd)
}
