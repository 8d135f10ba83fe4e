package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"sequelwatch/internal/pipeline"
)

func newDetectCommand(ctx *commandContext) *cobra.Command {
	var users []string
	var dryRun bool
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run relationship detection and create notifications",
		Long: "Detect sequels, new seasons and related titles for every user (or the users given\n" +
			"with --user) and create deduplicated notifications. --dry-run reports matches\n" +
			"without writing anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another sequelwatch process holds %s; stop the daemon or wait for its run to finish", cfg.LockPath())
			}
			defer lock.Unlock() //nolint:errcheck

			a, err := openApp(cmd.Context(), cfg, appOptions{enrich: true})
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.newRunner(dryRun)
			if err != nil {
				return err
			}

			var result pipeline.BatchResult
			if len(users) > 0 {
				result, err = runner.RunUsers(cmd.Context(), users)
			} else {
				result, err = runner.RunAll(cmd.Context())
			}
			if err != nil {
				return err
			}

			if jsonOut {
				return writeJSON(cmd, result)
			}
			renderBatch(cmd, result, dryRun)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&users, "user", "u", nil, "Limit detection to these user IDs")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report matches without writing notifications")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderBatch(cmd *cobra.Command, result pipeline.BatchResult, dryRun bool) {
	out := cmd.OutOrStdout()
	if len(result.Results) == 0 {
		fmt.Fprintln(out, "No users to process")
		return
	}
	rows := make([][]string, 0, len(result.Results))
	for _, r := range result.Results {
		status := string(r.Outcome)
		if r.Error != "" {
			status += ": " + r.Error
		}
		rows = append(rows, []string{
			r.UserID,
			strconv.Itoa(r.Matches),
			strconv.Itoa(r.Summary.HighConfidence),
			strconv.Itoa(r.Notified),
			strconv.Itoa(r.Unreleased),
			strconv.Itoa(r.Delivered),
			status,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"User", "Matches", "High", "Notified", "Unreleased", "Delivered", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(out, "Run %s%s: %d user(s), %d succeeded, %d skipped, %d failed, %d notification(s) in %s\n",
		result.RunID, mode, result.Users, result.Succeeded, result.Skipped, result.Failed, result.Notified,
		result.Duration.Round(time.Millisecond))
}
