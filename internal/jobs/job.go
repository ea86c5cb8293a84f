// Package jobs implements the durable background job queue that decouples
// synchronization execution from the HTTP request that admitted it. Jobs are
// rows in Postgres; any server instance can pick up a queued job, so the lock
// lease acquired at admission travels inside the job payload.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	// StatusQueued means the job is waiting to be picked up by a worker
	StatusQueued Status = "QUEUED"

	// StatusPicked means a worker is executing the job
	StatusPicked Status = "PICKED"

	// StatusDone means the job finished; the run row carries the outcome
	StatusDone Status = "DONE"
)

// Job is one enqueued synchronization execution.
type Job struct {
	ID    uuid.UUID
	RunID uuid.UUID

	Status Status

	// LockKey and LockToken carry the admission lock lease so the worker
	// that picks the job up can renew and release it, even if that worker
	// lives in a different process than the one that admitted the run.
	LockKey   string
	LockToken string

	Attempts   int
	CreatedAt  time.Time
	PickedAt   *time.Time
	FinishedAt *time.Time
}
