package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nfrund/dmrelay/internal/domain"
	"github.com/spf13/cobra"
)

var historyA, historyB string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the conversation between two users",
	Example: `  relayctl history --a alice --b bob
  relayctl history --a 5f0c... --b 9a21...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stores, closeFn, _, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer closeFn(ctx)

		a, err := resolveUser(ctx, stores.Users, historyA)
		if err != nil {
			return err
		}
		b, err := resolveUser(ctx, stores.Users, historyB)
		if err != nil {
			return err
		}

		msgs, err := stores.Messages.QueryBetween(ctx, a.ID, b.ID)
		if err != nil {
			return err
		}
		names := map[string]string{a.ID: a.Username, b.ID: b.Username}

		table := newTable(cmd.OutOrStdout(), "Time", "From", "To", "Text")
		for _, m := range msgs {
			table.Append([]string{m.CreatedAt.Local().Format(time.DateTime), names[m.Sender], names[m.Recipient], m.Text})
		}
		table.Render()
		fmt.Fprintf(cmd.ErrOrStderr(), "%d message(s)\n", len(msgs))
		return nil
	},
}

// resolveUser accepts either a user ID or a username.
func resolveUser(ctx context.Context, users domain.UserRepository, ref string) (*domain.User, error) {
	if ref == "" {
		return nil, fmt.Errorf("user reference is empty: %w", domain.ErrMalformedInput)
	}
	u, err := users.FindByID(ctx, ref)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	u, err = users.FindByUsername(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", ref, err)
	}
	return u, nil
}

func init() {
	historyCmd.Flags().StringVar(&historyA, "a", "", "first participant (ID or username)")
	historyCmd.Flags().StringVar(&historyB, "b", "", "second participant (ID or username)")
	_ = historyCmd.MarkFlagRequired("a")
	_ = historyCmd.MarkFlagRequired("b")
	rootCmd.AddCommand(historyCmd)
}
