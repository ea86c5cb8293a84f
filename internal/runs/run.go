// Package runs contains the durable record of batch synchronization attempts
// and its state machine. One row is written per attempt and never deleted:
// the table is the audit trail of every synchronization ever admitted.
package runs

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a synchronization run.
type Status string

const (
	// StatusPending means the run row exists but the background job has not
	// been handed off yet
	StatusPending Status = "PENDING"

	// StatusRunning means the background job was enqueued and owns the run
	StatusRunning Status = "RUNNING"

	// StatusCompleted is terminal: all fan-out targets were processed.
	// Individual target failures do not prevent completion.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is terminal: the job itself failed, or enqueueing it did
	StatusFailed Status = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether the run blocks a new admission for its
// (processType, loadId) pair.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// CanTransitionTo reports whether the transition s -> next is legal.
// The legal graph is PENDING -> RUNNING -> {COMPLETED, FAILED}, plus
// PENDING -> FAILED for the enqueue-failure path. Nothing moves backward
// and nothing leaves a terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Run is one batch synchronization attempt for a (processType, loadId) pair.
type Run struct {
	ID              uuid.UUID
	ProcessType     string
	LoadID          string
	LoadTimestamp   time.Time
	UpstreamEventID uuid.UUID
	Status          Status

	// JobID is the handle of the enqueued background job, set at handoff
	JobID *uuid.UUID

	// TargetCount is the number of fan-out targets, filled in by the job
	TargetCount *int

	FailureReason *string
	FailureDetail *string

	CreatedAt time.Time
	CreatedBy string
	UpdatedAt time.Time
	UpdatedBy string
}
