// Package app provides application lifecycle management for the dealer sync server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

// SyncApp encapsulates all components needed to run the dealer sync API server.
// It provides lifecycle management and graceful shutdown capabilities.
type SyncApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
	workerDone chan struct{}
}

// Start starts the application components (HTTP server and background worker).
// This method blocks until the HTTP server stops or encounters an error.
func (app *SyncApp) Start() error {
	// Start the job queue worker in background
	go func() {
		defer close(app.workerDone)
		if err := app.components.Worker.Run(app.ctx); err != nil {
			logger.Errorf("Job worker failed: %v", err)
		}
	}()

	// Start HTTP server (blocks until stopped)
	logger.Infof("Server listening on %s", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application with the given timeout. The HTTP
// server drains first so no new runs get admitted, then the worker context is
// cancelled and the backing connections close.
func (app *SyncApp) Stop(timeout time.Duration) error {
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var shutdownErr error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		shutdownErr = fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop the worker and wait for the in-flight job to settle
	if app.cancelFunc != nil {
		app.cancelFunc()
	}
	select {
	case <-app.workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Timed out waiting for job worker to stop")
	}

	if app.components.Telemetry != nil {
		if err := app.components.Telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Failed to shut down telemetry: %v", err)
		}
	}

	if app.components.Redis != nil {
		if err := app.components.Redis.Close(); err != nil {
			logger.Errorf("Failed to close redis client: %v", err)
		}
	}

	if app.components.Database != nil {
		if err := app.components.Database.Close(); err != nil {
			logger.Errorf("Failed to close database connection: %v", err)
		}
	}

	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}
