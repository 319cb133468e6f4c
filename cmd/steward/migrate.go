package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kevin-mind/nopo-steward/pkg/database"
)

// newMigrateCmd applies pending migrations and exits. serve does this on
// startup too; the separate command exists for init containers.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := database.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("database config: %w", err)
			}
			if err := database.Migrate(cfg); err != nil {
				return err
			}
			slog.Info("migrations applied", "database", cfg.Database)
			return nil
		},
	}
}
