package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncapp "github.com/dealgate/dealer-sync-server/internal/app"
	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dealer sync API server",
	Long: `Start the dealer sync API server.

The server requires a configuration file (--config) that specifies:
- Database and lock backend connection settings
- The synchronization process types this instance can run
- Webhook and telemetry settings

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

// defaultGracefulTimeout is Kubernetes-friendly shutdown time
const defaultGracefulTimeout = 30 * time.Second

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")
	configPath := viper.GetString("config")

	logger.Infof("Starting dealer sync API server on %s", address)

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Infof("Loaded configuration from %s (process types: %v)",
		configPath, cfg.Sync.ProcessTypes)

	application, err := syncapp.NewSyncApp(ctx,
		syncapp.WithConfig(cfg),
		syncapp.WithAddress(address),
	)
	if err != nil {
		return err
	}

	// Start server in goroutine so we can wait for signals
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Infof("Received signal %s", sig)
	}

	return application.Stop(defaultGracefulTimeout)
}
