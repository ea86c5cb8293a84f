package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Reason is the machine-readable classification of an admission rejection.
// Every rejection maps to exactly one reason; the API layer maps reasons to
// HTTP status codes.
type Reason string

const (
	// ReasonValidation means the request shape is malformed
	ReasonValidation Reason = "validation_error"

	// ReasonUnsupportedProcessType means the process type is unknown or not
	// yet implemented
	ReasonUnsupportedProcessType Reason = "unsupported_process_type"

	// ReasonLockBackendUnavailable means the lock store cannot be reached;
	// admission fails closed
	ReasonLockBackendUnavailable Reason = "lock_backend_unavailable"

	// ReasonLockDenied means another run holds the process-type lock
	ReasonLockDenied Reason = "lock_denied"

	// ReasonUpstreamNotFound means no load event exists for the pair
	ReasonUpstreamNotFound Reason = "upstream_not_found"

	// ReasonAlreadySynchronized means the load is already fully synchronized
	// and re-running it is disallowed
	ReasonAlreadySynchronized Reason = "already_synchronized"

	// ReasonActiveRunExists means a PENDING or RUNNING run already exists for
	// the pair
	ReasonActiveRunExists Reason = "active_run_exists"

	// ReasonEnqueueFailure means the run row was created but the job could
	// not be enqueued; the run is rolled forward to FAILED
	ReasonEnqueueFailure Reason = "enqueue_failure"
)

// Error is a classified admission rejection. Message is caller-actionable:
// the callers are other automated systems, so it names what is blocking and
// what to do about it.
type Error struct {
	Reason  Reason
	Message string

	// Implemented and Known are populated for unsupported process types so
	// the caller can see what would be accepted
	Implemented []string
	Known       []string

	// ConflictRunID names the run blocking admission, when one exists
	ConflictRunID *uuid.UUID

	// Err is the underlying cause, if any
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an orchestrator *Error from err, or nil.
func AsError(err error) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return nil
}
