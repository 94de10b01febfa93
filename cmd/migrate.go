package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/strategyd/internal/db"
	"github.com/sells-group/strategyd/internal/store"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations",
	Long:  "Applies all pending SQL migrations in lexicographic order while holding a migration advisory lock.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		m, _, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer m.Close()

		if migrateDryRun {
			return m.WithConn(ctx, func(ctx context.Context, conn db.Conn) error {
				pending, err := store.PendingMigrations(ctx, conn)
				if err != nil {
					return eris.Wrap(err, "list pending migrations")
				}
				if len(pending) == 0 {
					zap.L().Info("no pending migrations")
					return nil
				}
				for _, name := range pending {
					_, _ = fmt.Fprintln(os.Stdout, name)
				}
				return nil
			})
		}

		if err := m.WithConn(ctx, func(ctx context.Context, conn db.Conn) error {
			return store.Migrate(ctx, conn)
		}); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
