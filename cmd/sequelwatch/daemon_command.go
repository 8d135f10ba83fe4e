package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sequelwatch/internal/daemon"
	"sequelwatch/internal/logging"
)

const daemonLogFile = "sequelwatch.log"

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled detection and the HTTP API in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			sigCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(sigCtx, cfg, appOptions{logFile: daemonLogFile, enrich: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if removed := logging.PruneLogs(a.logger, cfg.Paths.LogDir, "*.log*", filepath.Join(cfg.Paths.LogDir, daemonLogFile),
				cfg.Logging.RetentionDays, time.Now()); removed > 0 {
				a.logger.Info("pruned old log files", logging.Int("removed", removed))
			}

			runner, err := a.newRunner(false)
			if err != nil {
				return err
			}
			deps := daemon.Deps{
				Store:      a.store,
				Runner:     runner,
				Dispatcher: a.dispatcher,
				Delivery:   a.delivery,
				Cache:      a.cache,
				Metrics:    a.metrics,
			}
			if pruner, ok := a.limiter.(daemon.Pruner); ok {
				deps.Pruner = pruner
			}

			d, err := daemon.New(cfg, deps, a.logger)
			if err != nil {
				return err
			}
			if err := d.Start(sigCtx); err != nil {
				return fmt.Errorf("start daemon: %w", err)
			}
			defer d.Stop()

			if runNow {
				if _, err := d.RunOnce(sigCtx); err != nil {
					logging.ErrorWithContext(a.logger, "initial detection run failed", "detection_run_failed", logging.Error(err))
				}
			}

			<-sigCtx.Done()
			a.logger.Info("sequelwatch daemon shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&runNow, "run-now", false, "Run one detection batch immediately after startup")
	return cmd
}
