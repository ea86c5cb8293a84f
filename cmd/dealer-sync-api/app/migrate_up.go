package app

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/dealgate/dealer-sync-server/database"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending database migrations",
	Long: `Apply all pending database migrations to bring the schema up to date.
This command reads the database connection parameters from the config file
and applies all migrations that haven't been run yet.`,
	RunE: runMigrateUp,
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	connString, err := migrationConnString(cmd)
	if err != nil {
		return err
	}

	ok, err := confirm(cmd, "About to apply pending database migrations. Continue?")
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("Migration cancelled by user")
		return nil
	}

	m, err := database.NewFromConnectionString(connString)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	logger.Info("Applying database migrations...")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No pending migrations - database is up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Migrations applied successfully")
	displayMigrationVersion(m)
	return nil
}
