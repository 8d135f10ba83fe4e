package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"sequelwatch/internal/pipeline"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import JSON Lines feeds into the store",
	}
	importCmd.AddCommand(newImportFeedCommand(ctx, "consumption", "Import consumption records (one JSON object per line)",
		(*pipeline.Importer).ImportConsumption))
	importCmd.AddCommand(newImportFeedCommand(ctx, "catalog", "Import catalog rows (one JSON object per line)",
		(*pipeline.Importer).ImportCatalog))
	return importCmd
}

type importFunc func(*pipeline.Importer, context.Context, io.Reader) (pipeline.ImportStats, error)

func newImportFeedCommand(ctx *commandContext, feed, short string, run importFunc) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   feed + " <file|->",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open %s feed: %w", feed, err)
				}
				defer f.Close()
				r = f
			}

			stats, err := run(pipeline.NewImporter(a.store, a.logger), cmd.Context(), r)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd, stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d %s record(s): %d duplicate, %d invalid, %d line(s) read\n",
				stats.Imported, feed, stats.Duplicates, stats.Invalid, stats.Lines)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}
