package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/nfrund/dmrelay/internal/app"
	"github.com/nfrund/dmrelay/internal/config"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Operator tool for the direct-message relay",
	Long: `relayctl inspects and manages the relay's persistent stores and can
act as a terminal chat client.

Store commands read STORE_BACKEND and the matching settings from the
environment or a .env file, the same way the server does.

Use "relayctl [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStores loads configuration and opens the configured backend. The
// in-memory backend is refused since it would not see the server's data.
func openStores(ctx context.Context) (*app.Stores, func(context.Context) error, config.Provider, error) {
	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	if cfg.GetStoreBackend() == config.BackendMemory {
		return nil, nil, nil, fmt.Errorf("STORE_BACKEND is %q; set it to %q or %q to use store commands",
			config.BackendMemory, config.BackendBadger, config.BackendSurreal)
	}
	stores, closeFn, err := app.OpenStores(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.Debug("Opened stores", "backend", stores.Backend)
	return stores, closeFn, cfg, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
