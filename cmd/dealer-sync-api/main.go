// Package main is the entry point for the dealer sync API server.
package main

import (
	"os"

	"github.com/dealgate/dealer-sync-server/cmd/dealer-sync-api/app"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

func main() {
	defer logger.Sync()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
