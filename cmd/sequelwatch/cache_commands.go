package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sequelwatch/internal/cache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the enrichment cache snapshot",
	}
	cacheCmd.AddCommand(newCacheListCommand(ctx))
	cacheCmd.AddCommand(newCachePurgeCommand(ctx))
	return cacheCmd
}

func openCache(ctx *commandContext) (*cache.MemoryStore, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg, "")
	if err != nil {
		return nil, err
	}
	return cache.NewMemoryStore(cfg.Cache.SnapshotPath, logger), nil
}

func newCacheListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached provider lookups",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(ctx)
			if err != nil {
				return err
			}
			entries := store.List()
			if jsonOut {
				return writeJSON(cmd, entries)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "Cache is empty")
				return nil
			}
			now := time.Now()
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				state := "live"
				if e.Expired(now) {
					state = "expired"
				}
				rows = append(rows, []string{
					e.Key,
					e.StoredAt.Local().Format("2006-01-02 15:04"),
					e.ExpiresAt.Local().Format("2006-01-02 15:04"),
					state,
				})
			}
			fmt.Fprintln(out, renderTable([]string{"Key", "Stored", "Expires", "State"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCachePurgeCommand(ctx *commandContext) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop expired cache entries (or every entry with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCache(ctx)
			if err != nil {
				return err
			}
			var removed int
			if all {
				removed = store.Clear()
			} else {
				removed = store.PurgeExpired()
			}
			if err := store.Flush(); err != nil {
				return fmt.Errorf("write cache snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d cache entr%s\n", removed, pluralY(removed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Remove every entry, not only expired ones")
	return cmd
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
