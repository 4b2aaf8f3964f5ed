package cmd

import (
	"fmt"

	"github.com/nfrund/dmrelay/internal/export"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	exportA, exportB string
	exportOut        string
	exportFormat     string
)

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Write a conversation transcript to a file",
	Example: `  relayctl export --a alice --b bob --out transcripts/alice-bob.txt --format text`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(exportFormat)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		stores, closeFn, _, err := openStores(ctx)
		if err != nil {
			return err
		}
		defer closeFn(ctx)

		a, err := resolveUser(ctx, stores.Users, exportA)
		if err != nil {
			return err
		}
		b, err := resolveUser(ctx, stores.Users, exportB)
		if err != nil {
			return err
		}

		exporter := export.NewExporter(afero.NewOsFs(), stores.Messages, stores.Users)
		n, err := exporter.Export(ctx, a.ID, b.ID, exportOut, format)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d message(s) to %s\n", n, exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportA, "a", "", "first participant (ID or username)")
	exportCmd.Flags().StringVar(&exportB, "b", "", "second participant (ID or username)")
	exportCmd.Flags().StringVar(&exportOut, "out", "transcript.json", "output file")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "transcript format: json or text")
	_ = exportCmd.MarkFlagRequired("a")
	_ = exportCmd.MarkFlagRequired("b")
	rootCmd.AddCommand(exportCmd)
}
