package app

import (
	"github.com/redis/go-redis/v9"

	"github.com/dealgate/dealer-sync-server/internal/db"
	"github.com/dealgate/dealer-sync-server/internal/jobs"
	"github.com/dealgate/dealer-sync-server/internal/orchestrator"
	"github.com/dealgate/dealer-sync-server/internal/telemetry"
)

// AppComponents groups the long-lived pieces of the sync server.
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Orchestrator decides batch sync admission
	Orchestrator *orchestrator.Orchestrator

	// Worker drains the job queue in the background
	Worker *jobs.Worker

	// Database is the shared Postgres handle
	Database *db.Connection

	// Redis backs the distributed lock service (optional)
	Redis redis.UniversalClient

	// Telemetry owns the tracer and meter providers
	Telemetry *telemetry.Telemetry
}
