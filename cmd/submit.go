package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/intake"
	"github.com/sells-group/strategyd/internal/model"
	"github.com/sells-group/strategyd/internal/pipeline"
	"github.com/sells-group/strategyd/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit <snapshot-id>",
	Short: "Submit a snapshot and run its stages in the foreground",
	Long:  "Enqueues a strategy for an existing snapshot and runs the strategist and briefer before exiting. A running worker consolidates the result.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		strategist, briefer := newStages(env.Deps)
		orch := pipeline.New(env.Store, strategist, briefer, env.Publisher, env.Retry)
		svc := intake.New(env.Store, foregroundLauncher{orch}).WithPublisher(env.Publisher)

		receipt, err := svc.Submit(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "submit")
		}
		return printJSON(os.Stdout, receipt)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <snapshot-id>",
	Short: "Show the strategy for a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("status"); err != nil {
			return err
		}

		m, st, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		view, err := statusView(ctx, st, args[0])
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, view)
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
}

// foregroundLauncher runs the pipeline before Launch returns, so the CLI
// process stays up until both stages have written.
type foregroundLauncher struct {
	orch *pipeline.Orchestrator
}

func (l foregroundLauncher) Launch(ctx context.Context, snap *model.Snapshot, correlationID string) error {
	res := l.orch.Run(ctx, snap, correlationID)
	if res.WriteFailed {
		zap.L().Warn("submit: stage output could not be stored", zap.String("snapshot_id", snap.ID))
	}
	return nil
}

func statusView(ctx context.Context, st store.Store, snapshotID string) (*model.StrategyView, error) {
	view, err := intake.New(st, nil).Status(ctx, snapshotID)
	if err != nil {
		return nil, eris.Wrap(err, "status")
	}
	if view == nil {
		return nil, eris.Errorf("no strategy for snapshot %s", snapshotID)
	}
	return view, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
