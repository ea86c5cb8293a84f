package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tool",
	Long:  `Database migration tool for managing schema versions. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().UintP("num-steps", "n", 0, "Number of steps to migrate (0 = all)")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := migrateCmd.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

// migrationConnString loads the config named by the command's --config flag
// and builds the Postgres connection string for the migration tooling.
func migrationConnString(cmd *cobra.Command) (string, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return "", fmt.Errorf("database configuration is required")
	}

	return cfg.Database.GetConnectionString()
}

// confirm prompts the operator unless --yes was given.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return false, fmt.Errorf("failed to get yes flag: %w", err)
	}
	if yes {
		return true, nil
	}

	fmt.Printf("%s (yes/no): ", prompt)
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	return response == "yes" || response == "y", nil
}

func displayMigrationVersion(m interface {
	Version() (uint, bool, error)
}) {
	version, dirty, err := m.Version()
	if err != nil {
		logger.Warnf("Unable to get migration version: %v", err)
		return
	}

	if dirty {
		logger.Warnf("Current migration version: %d (dirty - manual intervention may be required)", version)
	} else {
		logger.Infof("Current migration version: %d", version)
	}
}
