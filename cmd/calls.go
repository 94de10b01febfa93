package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/calllog"
)

var (
	callsStage string
	callsHours int
)

var callsCmd = &cobra.Command{
	Use:   "calls",
	Short: "Inspect the completion-call ledger",
}

var callsPerfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Show per-stage call performance",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ledger, err := calllog.OpenSQLite(ctx, cfg.CallLog.Path, newCalculator())
		if err != nil {
			return eris.Wrap(err, "open calllog")
		}
		defer ledger.Close() //nolint:errcheck

		perf, err := ledger.Performance(ctx, calllog.PerfFilter{
			Stage:  callsStage,
			Window: time.Duration(callsHours) * time.Hour,
		})
		if err != nil {
			return eris.Wrap(err, "calls perf")
		}
		if len(perf) == 0 {
			zap.L().Info("no calls recorded in window", zap.Int("hours", callsHours))
			return nil
		}
		formatPerf(os.Stdout, perf)
		return nil
	},
}

var callsListCmd = &cobra.Command{
	Use:   "list <snapshot-id>",
	Short: "List the calls made for a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ledger, err := calllog.OpenSQLite(ctx, cfg.CallLog.Path, newCalculator())
		if err != nil {
			return eris.Wrap(err, "open calllog")
		}
		defer ledger.Close() //nolint:errcheck

		calls, err := ledger.Calls(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "calls list")
		}
		formatCalls(os.Stdout, calls)
		return nil
	},
}

func init() {
	callsPerfCmd.Flags().StringVar(&callsStage, "stage", "", "only this stage (strategist, briefer, consolidator)")
	callsPerfCmd.Flags().IntVar(&callsHours, "hours", 24, "lookback window in hours")
	callsCmd.AddCommand(callsPerfCmd)
	callsCmd.AddCommand(callsListCmd)
	rootCmd.AddCommand(callsCmd)
}

// formatPerf writes a tabular view of per-stage performance to out.
func formatPerf(out io.Writer, perf []calllog.Perf) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tCALLS\tSUCCESS\tAVG\tP95\tTOKENS IN\tTOKENS OUT\tCOST")
	_, _ = fmt.Fprintln(w, "-----\t-----\t-------\t---\t---\t---------\t----------\t----")
	for _, p := range perf {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\t%s\t%d\t%d\t$%.4f\n",
			p.Stage,
			p.Calls,
			p.SuccessRate*100,
			p.AvgLatency.Round(time.Millisecond),
			p.P95Latency.Round(time.Millisecond),
			p.InputTokens,
			p.OutputTokens,
			p.CostUSD,
		)
	}
	_ = w.Flush()
}

// formatCalls writes one row per call to out.
func formatCalls(out io.Writer, calls []calllog.Call) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tSTAGE\tMODEL\tLATENCY\tOK\tERROR")
	for _, c := range calls {
		errMsg := c.ErrorCode
		if c.Error != "" {
			errMsg = truncate(c.ErrorCode+": "+c.Error, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			c.CreatedAt.Format("2006-01-02 15:04:05"),
			c.Stage,
			c.Model,
			c.Latency.Round(time.Millisecond),
			c.Success,
			errMsg,
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
