package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the ledger schema",
	Long: `Apply the schema of the configured durable backend (sqlite or postgres).
The schema is idempotent; running it twice is harmless.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Driver == "memory" {
		slog.Warn("memory driver has no schema; nothing to migrate")
		return nil
	}

	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	m, ok := st.(migrator)
	if !ok {
		return fmt.Errorf("storage driver %q cannot be migrated", cfg.Storage.Driver)
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("schema applied", "driver", cfg.Storage.Driver)
	return nil
}
