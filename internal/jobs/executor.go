package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dealgate/dealer-sync-server/internal/dealers"
	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/notify"
	"github.com/dealgate/dealer-sync-server/internal/otel"
	"github.com/dealgate/dealer-sync-server/internal/runs"
	"github.com/dealgate/dealer-sync-server/internal/telemetry"
)

const (
	// releaseTimeout bounds the lock release performed after the job's own
	// context may already be cancelled
	releaseTimeout = 10 * time.Second

	failureReasonTargets   = "TargetResolutionFailure"
	failureReasonUnhandled = "UnhandledExecutionFailure"

	executorActor = "job-executor"
)

// ErrRetryable marks execution failures where the run row was left in a
// non-terminal state and a redelivery of the job can still finish it. The
// worker keeps such jobs in the queue for the visibility-timeout reclaim.
var ErrRetryable = errors.New("retryable job failure")

// Executor performs the per-dealer fan-out for one run and finalizes the run
// status. It owns the lock lease for the duration of the job: the lease is
// renewed while the job is alive and released on every exit path.
type Executor struct {
	runs     runs.Store
	dealers  dealers.Directory
	notifier notify.Notifier
	locks    lock.Service

	parallelism   int
	lockTTL       time.Duration
	renewInterval time.Duration

	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer
}

// ExecutorOption is a functional option for configuring the executor
type ExecutorOption func(*Executor)

// WithParallelism bounds the number of concurrent dealer notifications.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLockLease sets the TTL and renewal interval used while holding the
// admission lock for the duration of the job.
func WithLockLease(ttl, renewInterval time.Duration) ExecutorOption {
	return func(e *Executor) {
		if ttl > 0 {
			e.lockTTL = ttl
		}
		if renewInterval > 0 {
			e.renewInterval = renewInterval
		}
	}
}

// WithSyncMetrics sets the metrics recorded per run and per delivery.
func WithSyncMetrics(m *telemetry.SyncMetrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithExecutorTracer sets the OpenTelemetry tracer for the executor.
func WithExecutorTracer(tracer trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = tracer
	}
}

// NewExecutor creates a job executor.
func NewExecutor(
	runStore runs.Store,
	directory dealers.Directory,
	notifier notify.Notifier,
	locks lock.Service,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		runs:          runStore,
		dealers:       directory,
		notifier:      notifier,
		locks:         locks,
		parallelism:   8,
		lockTTL:       2 * time.Minute,
		renewInterval: 45 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one picked job to completion. The job queue delivers at least
// once, so execution is idempotent at the run-row level: a run already in a
// terminal state is left untouched. Individual dealer failures are recorded
// but do not fail the run; only a failure of the orchestration itself moves
// the run to FAILED. The lock lease carried by the job is released on every
// path out of this method.
func (e *Executor) Execute(ctx context.Context, job *Job) (err error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "jobs.Execute",
		trace.WithAttributes(otel.AttrJobID.String(job.ID.String()), otel.AttrRunID.String(job.RunID.String())))
	defer span.End()

	// A nil lock service degrades to unguarded execution, matching the
	// admission path, which fails closed long before a job is enqueued.
	if e.locks != nil {
		lease := lock.Adopt(job.LockKey, job.LockToken)
		defer func() {
			// The job context may be cancelled by the time we get here; the
			// release must still go out.
			releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if releaseErr := e.locks.Release(releaseCtx, lease); releaseErr != nil {
				logger.Errorf("Failed to release sync lock for %s after job %s: %v",
					lease.ProcessType, job.ID, releaseErr)
			}
		}()

		renewCtx, stopRenewal := context.WithCancel(ctx)
		defer stopRenewal()
		go lock.KeepAlive(renewCtx, e.locks, lease, e.lockTTL, e.renewInterval)
	}

	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			logger.Errorf("Sync job %s panicked: %v", job.ID, r)
			e.failRun(ctx, job.RunID, failureReasonUnhandled, detail)
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()

	return e.execute(ctx, span, job)
}

func (e *Executor) execute(ctx context.Context, span trace.Span, job *Job) error {
	start := time.Now()

	run, err := e.runs.GetByID(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			logger.Errorf("Sync job %s references unknown run %s, dropping", job.ID, job.RunID)
			return nil
		}
		otel.RecordError(span, err)
		return fmt.Errorf("failed to load run %s: %w: %w", job.RunID, ErrRetryable, err)
	}

	if run.Status.Terminal() {
		// Redelivered job for a finished run; nothing left to do.
		logger.Infof("Run %s is already %s, skipping redelivered job %s", run.ID, run.Status, job.ID)
		return nil
	}

	if run.Status == runs.StatusPending {
		// The admission path marks the run RUNNING best-effort after enqueue;
		// pick up the slack if that write never landed.
		if err := e.runs.MarkRunning(ctx, run.ID, job.ID, executorActor); err != nil {
			otel.RecordError(span, err)
			return fmt.Errorf("failed to mark run %s running: %w: %w", run.ID, ErrRetryable, err)
		}
	}

	targets, err := e.dealers.ListActive(ctx)
	if err != nil {
		otel.RecordError(span, err)
		e.failRun(ctx, run.ID, failureReasonTargets, err.Error())
		e.recordRun(ctx, run.ProcessType, start, false)
		return fmt.Errorf("failed to resolve fan-out targets for run %s: %w", run.ID, err)
	}

	span.SetAttributes(otel.AttrTargetCount.Int(len(targets)))
	logger.Infof("Run %s: notifying %d dealers with parallelism %d", run.ID, len(targets), e.parallelism)

	notification := notify.Notification{
		RunID:         run.ID,
		ProcessType:   run.ProcessType,
		LoadID:        run.LoadID,
		LoadTimestamp: run.LoadTimestamp,
	}

	var failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.parallelism)
	for _, dealer := range targets {
		group.Go(func() error {
			deliverErr := e.notifier.Notify(groupCtx, dealer, notification)
			if deliverErr != nil {
				// A single dealer failing is a per-target outcome, not a run
				// failure; record it and keep going.
				failed.Add(1)
				logger.Warnf("Run %s: dealer %s notification failed: %v", run.ID, dealer.Name, deliverErr)
			}
			if e.metrics != nil {
				e.metrics.RecordDealerDelivery(groupCtx, run.ProcessType, deliverErr == nil)
			}
			return nil
		})
	}
	_ = group.Wait()

	if err := e.runs.MarkCompleted(ctx, run.ID, len(targets), executorActor); err != nil {
		otel.RecordError(span, err)
		e.recordRun(ctx, run.ProcessType, start, false)
		return fmt.Errorf("failed to mark run %s completed: %w: %w", run.ID, ErrRetryable, err)
	}

	e.recordRun(ctx, run.ProcessType, start, true)
	logger.Infof("Run %s completed: %d targets, %d failed deliveries",
		run.ID, len(targets), failed.Load())
	return nil
}

// failRun moves the run to FAILED, tolerating races with other writers.
func (e *Executor) failRun(ctx context.Context, runID uuid.UUID, reason, detail string) {
	if err := e.runs.MarkFailed(ctx, runID, reason, detail, executorActor); err != nil &&
		!errors.Is(err, runs.ErrIllegalTransition) && !errors.Is(err, runs.ErrNotFound) {
		logger.Errorf("Failed to mark run %s failed: %v", runID, err)
	}
}

func (e *Executor) recordRun(ctx context.Context, processType string, start time.Time, success bool) {
	if e.metrics != nil {
		e.metrics.RecordRunDuration(ctx, processType, time.Since(start), success)
	}
}
