// Package orchestrator sequences batch synchronization admission: validate,
// gate on the process registry, acquire the distributed lock, resolve the
// upstream load, guard against active runs, persist the run row, and hand the
// work off to the durable job queue. The HTTP response returns as soon as the
// job is enqueued; execution happens in the background worker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealgate/dealer-sync-server/internal/jobs"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/otel"
	"github.com/dealgate/dealer-sync-server/internal/process"
	"github.com/dealgate/dealer-sync-server/internal/runs"
	"github.com/dealgate/dealer-sync-server/internal/upstream"
)

const enqueueFailureReason = "EnqueueFailure"

// releaseTimeout bounds the lock release on rejected admissions, which runs
// on a fresh context so a disconnected client cannot strand the lock.
const releaseTimeout = 10 * time.Second

// Request is one admission attempt.
type Request struct {
	ProcessType string `json:"processType"`
	LoadID      string `json:"loadId"`

	// RequestedBy is recorded in the run's audit fields
	RequestedBy string `json:"-"`
}

// Accepted is the successful admission outcome returned with 202. Status is
// RUNNING in the common case and PENDING when the post-enqueue promotion did
// not land; the job executor promotes the run when it starts.
type Accepted struct {
	RunID  uuid.UUID   `json:"runId"`
	JobID  uuid.UUID   `json:"jobId"`
	Status runs.Status `json:"status"`
}

// Orchestrator coordinates the admission sequence.
type Orchestrator struct {
	registry process.Registry
	locks    lock.Service
	runs     runs.Store
	upstream upstream.Gateway
	queue    jobs.Queue

	lockTTL time.Duration
	tracer  trace.Tracer
}

// Option is a functional option for configuring the orchestrator
type Option func(*Orchestrator)

// WithLockTTL sets the initial TTL requested at lock acquisition. The job
// executor renews the lease from there.
func WithLockTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.lockTTL = ttl
		}
	}
}

// WithTracer sets the OpenTelemetry tracer for the orchestrator.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// New creates an orchestrator. The lock service may be nil when no lock
// backend is configured; admission then fails closed with
// ReasonLockBackendUnavailable rather than proceeding unguarded.
func New(
	registry process.Registry,
	locks lock.Service,
	runStore runs.Store,
	gateway upstream.Gateway,
	queue jobs.Queue,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		locks:    locks,
		runs:     runStore,
		upstream: gateway,
		queue:    queue,
		lockTTL:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSync runs the admission sequence and, on success, returns the run and
// job identifiers. Every rejection after lock acquisition releases the lock
// before returning; on success the lock is deliberately left held, because
// ownership transfers to the job through the queue payload.
func (o *Orchestrator) StartSync(ctx context.Context, req Request) (*Accepted, error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.StartSync",
		trace.WithAttributes(
			otel.AttrProcessType.String(req.ProcessType),
			otel.AttrLoadID.String(req.LoadID),
		))
	defer span.End()

	if err := o.validate(req); err != nil {
		return nil, err
	}

	if !o.registry.IsImplemented(req.ProcessType) {
		return nil, &Error{
			Reason: ReasonUnsupportedProcessType,
			Message: fmt.Sprintf("process type %q is not implemented; implemented types: %s",
				req.ProcessType, strings.Join(o.registry.ListImplemented(), ", ")),
			Implemented: o.registry.ListImplemented(),
			Known:       o.registry.ListAll(),
		}
	}

	if o.locks == nil {
		return nil, &Error{
			Reason:  ReasonLockBackendUnavailable,
			Message: "no lock backend is configured; refusing admission without a mutual-exclusion guarantee",
		}
	}

	lease, err := o.locks.TryAcquire(ctx, req.ProcessType, o.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, &Error{
				Reason: ReasonLockDenied,
				Message: fmt.Sprintf("a synchronization for process type %q is already in progress; retry after it finishes",
					req.ProcessType),
			}
		}
		otel.RecordError(span, err)
		return nil, &Error{
			Reason:  ReasonLockBackendUnavailable,
			Message: "the lock backend is unreachable; retry later",
			Err:     err,
		}
	}

	// Ownership of the lease transfers to the job only at the very end. Until
	// then, every exit path must leave the lock free.
	handedOff := false
	defer func() {
		if handedOff {
			return
		}
		// The request context may already be cancelled (client gone); the
		// release must still reach Redis or the lock lingers until TTL.
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if releaseErr := o.locks.Release(releaseCtx, lease); releaseErr != nil {
			logger.Errorf("Failed to release sync lock for %s after rejected admission: %v",
				req.ProcessType, releaseErr)
		}
	}()

	event, err := o.upstream.Lookup(ctx, req.ProcessType, req.LoadID)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, &Error{
				Reason: ReasonUpstreamNotFound,
				Message: fmt.Sprintf("no upstream load event exists for process type %q and load %q",
					req.ProcessType, req.LoadID),
			}
		}
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to resolve upstream load: %w", err)
	}

	if event.FullySynchronized {
		return nil, &Error{
			Reason: ReasonAlreadySynchronized,
			Message: fmt.Sprintf("load %q of process type %q is already fully synchronized; re-running a finished load is not allowed",
				req.LoadID, req.ProcessType),
		}
	}

	// Second admission guard, independent of the coarser process-type lock:
	// uniqueness is per (processType, loadId).
	if existing, err := o.runs.FindActive(ctx, req.ProcessType, req.LoadID); err == nil {
		id := existing.ID
		return nil, &Error{
			Reason: ReasonActiveRunExists,
			Message: fmt.Sprintf("run %s is already %s for this load; wait for it to finish or fail",
				existing.ID, existing.Status),
			ConflictRunID: &id,
		}
	} else if !errors.Is(err, runs.ErrNotFound) {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to check for an active run: %w", err)
	}

	run, err := o.runs.Create(ctx, runs.CreateParams{
		ProcessType:     req.ProcessType,
		LoadID:          req.LoadID,
		LoadTimestamp:   event.LoadTimestamp,
		UpstreamEventID: event.ID,
		CreatedBy:       req.RequestedBy,
	})
	if err != nil {
		if errors.Is(err, runs.ErrActiveRunExists) {
			// Lost the race to a concurrent admission; the unique index is
			// the authoritative arbiter.
			return nil, &Error{
				Reason:  ReasonActiveRunExists,
				Message: "a concurrent request created an active run for this load; wait for it to finish or fail",
			}
		}
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	span.SetAttributes(otel.AttrRunID.String(run.ID.String()))

	job, err := o.queue.Enqueue(ctx, run.ID, lease)
	if err != nil {
		otel.RecordError(span, err)
		// The row must not sit in PENDING forever; roll it forward to FAILED.
		if failErr := o.runs.MarkFailed(ctx, run.ID, enqueueFailureReason, err.Error(), req.RequestedBy); failErr != nil {
			logger.Errorf("Failed to mark run %s failed after enqueue failure: %v", run.ID, failErr)
		}
		return nil, &Error{
			Reason:  ReasonEnqueueFailure,
			Message: "the synchronization job could not be enqueued; the run was marked failed, retry the request",
			Err:     err,
		}
	}

	// Best-effort: the job also promotes a PENDING run when it starts, so a
	// failed write here must not fail an already-accepted request.
	status := runs.StatusRunning
	if err := o.runs.MarkRunning(ctx, run.ID, job.ID, req.RequestedBy); err != nil {
		logger.Warnf("Failed to mark run %s running after enqueue: %v", run.ID, err)
		status = runs.StatusPending
	}

	handedOff = true
	logger.Infof("Admitted sync run %s (process type %s, load %s), job %s",
		run.ID, req.ProcessType, req.LoadID, job.ID)
	return &Accepted{RunID: run.ID, JobID: job.ID, Status: status}, nil
}

// LockStatus reports whether the process-type lock is currently held.
// Best-effort probe for the status endpoint, never an admission decision.
func (o *Orchestrator) LockStatus(ctx context.Context, processType string) (bool, error) {
	if processType == "" {
		return false, &Error{Reason: ReasonValidation, Message: "processType is required"}
	}
	if !o.registry.IsImplemented(processType) {
		return false, &Error{
			Reason:      ReasonUnsupportedProcessType,
			Message:     fmt.Sprintf("process type %q is not implemented", processType),
			Implemented: o.registry.ListImplemented(),
			Known:       o.registry.ListAll(),
		}
	}
	if o.locks == nil {
		return false, &Error{
			Reason:  ReasonLockBackendUnavailable,
			Message: "no lock backend is configured",
		}
	}
	active, err := o.locks.IsActive(ctx, processType)
	if err != nil {
		return false, &Error{
			Reason:  ReasonLockBackendUnavailable,
			Message: "the lock backend is unreachable",
			Err:     err,
		}
	}
	return active, nil
}

func (o *Orchestrator) validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.ProcessType) == "" {
		missing = append(missing, "processType")
	}
	if strings.TrimSpace(req.LoadID) == "" {
		missing = append(missing, "loadId")
	}
	if len(missing) > 0 {
		return &Error{
			Reason:  ReasonValidation,
			Message: fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
