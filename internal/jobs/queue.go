package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealgate/dealer-sync-server/internal/lock"
	"github.com/dealgate/dealer-sync-server/internal/otel"
)

var (
	// ErrNoJobs is returned by PickNext when the queue is empty
	ErrNoJobs = errors.New("no queued jobs")

	// ErrNotFound is returned when no job matches the lookup
	ErrNotFound = errors.New("job not found")
)

// Queue is the durable job queue contract.
type Queue interface {
	// Enqueue inserts a QUEUED job for the run, carrying the lock lease
	Enqueue(ctx context.Context, runID uuid.UUID, lease *lock.Lease) (*Job, error)

	// PickNext atomically claims the oldest QUEUED job, moving it to PICKED.
	// Returns ErrNoJobs when the queue is empty. Safe to call from multiple
	// workers concurrently; each job is claimed by exactly one of them.
	PickNext(ctx context.Context) (*Job, error)

	// MarkDone finishes a PICKED job
	MarkDone(ctx context.Context, id uuid.UUID) error

	// ReclaimExpired returns PICKED jobs whose visibility timeout elapsed
	// back to QUEUED, so a crashed worker's job is retried elsewhere.
	// Returns the number of jobs requeued.
	ReclaimExpired(ctx context.Context, visibilityTimeout time.Duration) (int64, error)

	// Depth returns the number of QUEUED jobs
	Depth(ctx context.Context) (int64, error)
}

const jobColumns = `id, run_id, status, lock_key, lock_token, attempts, created_at, picked_at, finished_at`

// sqlQueue implements Queue on Postgres.
type sqlQueue struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Queue = (*sqlQueue)(nil)

// QueueOption is a functional option for configuring the queue
type QueueOption func(*sqlQueue)

// WithTracer sets the OpenTelemetry tracer for the queue.
// If not set, tracing is disabled (no-op).
func WithTracer(tracer trace.Tracer) QueueOption {
	return func(q *sqlQueue) {
		q.tracer = tracer
	}
}

// NewQueue creates a Postgres-backed job queue.
func NewQueue(db *sql.DB, opts ...QueueOption) Queue {
	q := &sqlQueue{db: db}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *sqlQueue) Enqueue(ctx context.Context, runID uuid.UUID, lease *lock.Lease) (*Job, error) {
	ctx, span := otel.StartSpan(ctx, q.tracer, "jobs.Enqueue")
	defer span.End()

	id := uuid.New()
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO sync_jobs (id, run_id, status, lock_key, lock_token)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		id, runID, StatusQueued, lease.ProcessType, lease.Token)

	job, err := scanJob(row)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to enqueue job for run %s: %w", runID, err)
	}
	return job, nil
}

func (q *sqlQueue) PickNext(ctx context.Context) (*Job, error) {
	ctx, span := otel.StartSpan(ctx, q.tracer, "jobs.PickNext")
	defer span.End()

	// SKIP LOCKED makes concurrent workers claim distinct rows without
	// serializing on each other.
	row := q.db.QueryRowContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, picked_at = now(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE status = $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		StatusPicked, StatusQueued)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobs
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to pick job: %w", err)
	}
	return job, nil
}

func (q *sqlQueue) MarkDone(ctx context.Context, id uuid.UUID) error {
	ctx, span := otel.StartSpan(ctx, q.tracer, "jobs.MarkDone")
	defer span.End()

	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $2, finished_at = now()
		WHERE id = $1 AND status = $3`,
		id, StatusDone, StatusPicked)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to mark job %s done: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *sqlQueue) ReclaimExpired(ctx context.Context, visibilityTimeout time.Duration) (int64, error) {
	ctx, span := otel.StartSpan(ctx, q.tracer, "jobs.ReclaimExpired")
	defer span.End()

	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, picked_at = NULL
		WHERE status = $2 AND picked_at < now() - make_interval(secs => $3)`,
		StatusQueued, StatusPicked, visibilityTimeout.Seconds())
	if err != nil {
		otel.RecordError(span, err)
		return 0, fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

func (q *sqlQueue) Depth(ctx context.Context) (int64, error) {
	ctx, span := otel.StartSpan(ctx, q.tracer, "jobs.Depth")
	defer span.End()

	var depth int64
	err := q.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sync_jobs WHERE status = $1`, StatusQueued).Scan(&depth)
	if err != nil {
		otel.RecordError(span, err)
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		pickedAt   sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.RunID, &job.Status, &job.LockKey, &job.LockToken,
		&job.Attempts, &job.CreatedAt, &pickedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if pickedAt.Valid {
		t := pickedAt.Time
		job.PickedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}
