package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/telemetry"
)

// Worker polls the job queue and hands picked jobs to the executor. Several
// workers may run against the same queue; PickNext guarantees each job goes to
// exactly one of them.
type Worker struct {
	queue    Queue
	executor *Executor

	pollInterval      time.Duration
	visibilityTimeout time.Duration

	metrics *telemetry.QueueMetrics
}

// WorkerOption is a functional option for configuring the worker
type WorkerOption func(*Worker)

// WithPollInterval sets how often the worker checks for queued jobs.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithVisibilityTimeout sets how long a job may stay PICKED before it is
// assumed abandoned and returned to the queue.
func WithVisibilityTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		if timeout > 0 {
			w.visibilityTimeout = timeout
		}
	}
}

// WithQueueMetrics sets the metrics recorded for queue depth and requeues.
func WithQueueMetrics(m *telemetry.QueueMetrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// NewWorker creates a queue worker.
func NewWorker(queue Queue, executor *Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:             queue,
		executor:          executor,
		pollInterval:      2 * time.Second,
		visibilityTimeout: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled. Transient queue errors back off
// exponentially instead of hot-looping against a struggling database.
func (w *Worker) Run(ctx context.Context) error {
	logger.Infof("Job worker started: poll=%s visibility=%s", w.pollInterval, w.visibilityTimeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.pollInterval
	bo.MaxInterval = time.Minute

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("Job worker stopped")
			return nil
		}

		w.reclaim(ctx)

		job, err := w.queue.PickNext(ctx)
		if err != nil {
			if errors.Is(err, ErrNoJobs) {
				bo.Reset()
				if !w.sleep(ctx, w.pollInterval) {
					logger.Info("Job worker stopped")
					return nil
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				logger.Info("Job worker stopped")
				return nil
			}
			wait := bo.NextBackOff()
			logger.Errorf("Failed to poll job queue, retrying in %s: %v", wait, err)
			if !w.sleep(ctx, wait) {
				logger.Info("Job worker stopped")
				return nil
			}
			continue
		}
		bo.Reset()

		logger.Infof("Picked job %s for run %s (attempt %d)", job.ID, job.RunID, job.Attempts)
		if err := w.executor.Execute(ctx, job); err != nil {
			if errors.Is(err, ErrRetryable) {
				// The run row is still live; leave the job PICKED so the
				// visibility-timeout reclaim redelivers it.
				logger.Errorf("Job %s failed, will be redelivered: %v", job.ID, err)
				continue
			}
			logger.Errorf("Job %s failed: %v", job.ID, err)
		}

		// The run row carries the outcome; the job itself is finished either
		// way. Retrying a failed run takes a fresh admission request.
		if err := w.queue.MarkDone(ctx, job.ID); err != nil {
			logger.Errorf("Failed to mark job %s done: %v", job.ID, err)
		}
	}
}

// reclaim returns abandoned PICKED jobs to the queue and samples the depth
// gauge when metrics are enabled.
func (w *Worker) reclaim(ctx context.Context) {
	requeued, err := w.queue.ReclaimExpired(ctx, w.visibilityTimeout)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Errorf("Failed to reclaim expired jobs: %v", err)
		}
		return
	}
	if requeued > 0 {
		logger.Warnf("Requeued %d jobs whose visibility timeout expired", requeued)
		if w.metrics != nil {
			w.metrics.RecordRequeued(ctx, requeued)
		}
	}

	if w.metrics != nil {
		depth, err := w.queue.Depth(ctx)
		if err == nil {
			w.metrics.RecordQueueDepth(ctx, depth)
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
