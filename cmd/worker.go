package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/notify"
	"github.com/sells-group/strategyd/internal/stage"
	"github.com/sells-group/strategyd/internal/worker"
	anthropicpkg "github.com/sells-group/strategyd/pkg/anthropic"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a consolidation worker",
	Long:  "Listens for stage-ready notifications, consolidates strategies under a per-snapshot advisory lock, and sweeps for missed work.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		cons := stage.NewConsolidator(
			anthropicpkg.NewClient(cfg.Anthropic.Key),
			stage.SettingsFrom(cfg.Anthropic.ConsolidatorModel, cfg.Stages.Consolidator),
			env.Deps,
		)
		w := worker.New(env.Store, db.NewAdvisoryLocker(env.DB), cons, env.Publisher, workerOptions(cfg))

		zap.L().Info("worker: starting",
			zap.Int("concurrency", cfg.Worker.Concurrency),
			zap.Int("max_attempts", cfg.Worker.MaxAttempts),
		)
		if err := w.Run(ctx, notify.ManagerDialer(env.DB)); err != nil && !errors.Is(err, context.Canceled) {
			return eris.Wrap(err, "worker")
		}
		zap.L().Info("worker: stopped")
		return nil
	},
}

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run a worker and restart it when it exits unexpectedly",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return superviseWorker(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(superviseCmd)
}
