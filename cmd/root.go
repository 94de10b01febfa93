package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/config"
)

var (
	cfg *config.Config

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "strategyd",
	Short: "Rideshare strategy pipeline",
	Long: `Builds a driving strategy for a location snapshot.

serve accepts snapshots over HTTP and runs the strategist and briefer stages.
worker consolidates their output once both are ready and notifies waiting clients.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.LoadFile(configPath)
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

// inheritedFlags returns the root flags set on this invocation so child
// processes load the same configuration.
func inheritedFlags() []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return args
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
