package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <process-type>",
	Short: "Force-release the sync lock for a process type",
	Long: `Force-release the distributed sync lock for a single process type.

This is an operator escape hatch for locks orphaned by a crashed job whose
lease has not yet expired. It removes the lock regardless of who holds it,
so make sure no sync run is actually in progress before using it: releasing
a live lock allows a second run to be admitted for the same process type.

Examples:
  dealer-sync-api unlock ProductList --config config.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runUnlock,
}

const unlockTimeout = 10 * time.Second

func init() {
	unlockCmd.Flags().BoolP("yes", "y", false, "Answer yes to all questions")
	unlockCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := unlockCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runUnlock(cmd *cobra.Command, args []string) error {
	processType := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Redis == nil || cfg.Redis.Address == "" {
		return fmt.Errorf("redis configuration is required to manage locks")
	}

	client, err := lock.NewClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.Errorf("Error closing redis client: %v", closeErr)
		}
	}()

	locks := lock.NewRedisService(client)

	active, err := locks.IsActive(ctx, processType)
	if err != nil {
		return fmt.Errorf("failed to probe lock: %w", err)
	}
	if !active {
		logger.Infof("No lock is held for process type %s, nothing to do", processType)
		return nil
	}

	ok, err := confirm(cmd, fmt.Sprintf(
		"WARNING: This will force-release the sync lock for %s regardless of its holder. Continue?", processType))
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("Unlock cancelled by user")
		return nil
	}

	if err := locks.ForceRelease(ctx, processType); err != nil {
		return fmt.Errorf("failed to force-release lock: %w", err)
	}

	// Audit trail: record who removed the lock and for which process type
	operator := os.Getenv("USER")
	if operator == "" {
		operator = "unknown"
	}
	logger.Warnf("Sync lock for %s force-released by operator %s", processType, operator)
	return nil
}
