package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealgate/dealer-sync-server/internal/otel"
)

// pgUniqueViolation is the SQLSTATE raised when the active-run partial unique
// index rejects a second PENDING/RUNNING row for the same (processType, loadId).
const pgUniqueViolation = "23505"

var (
	// ErrNotFound is returned when no run matches the lookup
	ErrNotFound = errors.New("run not found")

	// ErrActiveRunExists is returned by Create when a PENDING or RUNNING run
	// already exists for the (processType, loadId) pair
	ErrActiveRunExists = errors.New("an active run already exists for this process type and load")

	// ErrIllegalTransition is returned when a status write violates the
	// run state machine
	ErrIllegalTransition = errors.New("illegal run status transition")
)

// CreateParams carries the immutable fields resolved at admission time.
type CreateParams struct {
	ProcessType     string
	LoadID          string
	LoadTimestamp   time.Time
	UpstreamEventID uuid.UUID
	CreatedBy       string
}

// Store is the durable repository of synchronization runs.
type Store interface {
	// Create inserts a new run in PENDING. Returns ErrActiveRunExists when an
	// active row for the pair already exists; the insert and the uniqueness
	// check are a single atomic decision (partial unique index).
	Create(ctx context.Context, params CreateParams) (*Run, error)

	// GetByID returns the run with the given id, or ErrNotFound
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)

	// FindActive returns the PENDING or RUNNING run for the pair, or ErrNotFound
	FindActive(ctx context.Context, processType, loadID string) (*Run, error)

	// List returns run history for the given filters, newest first. Empty
	// filter strings match everything.
	List(ctx context.Context, processType, loadID string, limit int) ([]*Run, error)

	// MarkRunning transitions PENDING -> RUNNING, recording the job handle
	MarkRunning(ctx context.Context, id, jobID uuid.UUID, updatedBy string) error

	// MarkCompleted transitions RUNNING -> COMPLETED with the final target count
	MarkCompleted(ctx context.Context, id uuid.UUID, targetCount int, updatedBy string) error

	// MarkFailed transitions PENDING or RUNNING -> FAILED with diagnostics
	MarkFailed(ctx context.Context, id uuid.UUID, reason, detail, updatedBy string) error
}

const runColumns = `id, process_type, load_id, load_timestamp, upstream_event_id, status,
	job_id, target_count, failure_reason, failure_detail,
	created_at, created_by, updated_at, updated_by`

// sqlStore implements Store on Postgres.
type sqlStore struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Store = (*sqlStore)(nil)

// StoreOption is a functional option for configuring the store
type StoreOption func(*sqlStore)

// WithTracer sets the OpenTelemetry tracer for the store.
// If not set, tracing is disabled (no-op).
func WithTracer(tracer trace.Tracer) StoreOption {
	return func(s *sqlStore) {
		s.tracer = tracer
	}
}

// NewStore creates a Postgres-backed run store.
func NewStore(db *sql.DB, opts ...StoreOption) Store {
	s := &sqlStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *sqlStore) Create(ctx context.Context, params CreateParams) (*Run, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.Create")
	defer span.End()

	id := uuid.New()
	createdBy := params.CreatedBy
	if createdBy == "" {
		createdBy = "system"
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_runs (id, process_type, load_id, load_timestamp, upstream_event_id,
			status, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+runColumns,
		id, params.ProcessType, params.LoadID, params.LoadTimestamp,
		params.UpstreamEventID, StatusPending, createdBy,
	)

	run, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrActiveRunExists
		}
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

func (s *sqlStore) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.GetByID")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

func (s *sqlStore) FindActive(ctx context.Context, processType, loadID string) (*Run, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.FindActive")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE process_type = $1 AND load_id = $2 AND status IN ($3, $4)`,
		processType, loadID, StatusPending, StatusRunning)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to find active run: %w", err)
	}
	return run, nil
}

func (s *sqlStore) List(ctx context.Context, processType, loadID string, limit int) ([]*Run, error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.List")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM sync_runs
		WHERE ($1 = '' OR process_type = $1)
		  AND ($2 = '' OR load_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		processType, loadID, limit)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return result, nil
}

func (s *sqlStore) MarkRunning(ctx context.Context, id, jobID uuid.UUID, updatedBy string) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.MarkRunning")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2, job_id = $3, updated_at = now(), updated_by = $4
		WHERE id = $1 AND status = $5`,
		id, StatusRunning, jobID, updatedBy, StatusPending)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to mark run %s running: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, StatusRunning)
}

func (s *sqlStore) MarkCompleted(ctx context.Context, id uuid.UUID, targetCount int, updatedBy string) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.MarkCompleted")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2, target_count = $3, updated_at = now(), updated_by = $4
		WHERE id = $1 AND status = $5`,
		id, StatusCompleted, targetCount, updatedBy, StatusRunning)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to mark run %s completed: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, StatusCompleted)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id uuid.UUID, reason, detail, updatedBy string) error {
	ctx, span := otel.StartSpan(ctx, s.tracer, "runs.MarkFailed")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = $2, failure_reason = $3, failure_detail = $4, updated_at = now(), updated_by = $5
		WHERE id = $1 AND status IN ($6, $7)`,
		id, StatusFailed, reason, detail, updatedBy, StatusPending, StatusRunning)
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to mark run %s failed: %w", id, err)
	}
	return s.checkTransition(ctx, res, id, StatusFailed)
}

// checkTransition turns a zero-row guarded UPDATE into a precise error:
// either the run does not exist, or its current status forbids the move.
func (s *sqlStore) checkTransition(ctx context.Context, res sql.Result, id uuid.UUID, wanted Status) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s for run %s", ErrIllegalTransition, current.Status, wanted, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run         Run
		jobID       uuid.NullUUID
		targetCount sql.NullInt64
		reason      sql.NullString
		detail      sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.ProcessType, &run.LoadID, &run.LoadTimestamp, &run.UpstreamEventID,
		&run.Status, &jobID, &targetCount, &reason, &detail,
		&run.CreatedAt, &run.CreatedBy, &run.UpdatedAt, &run.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	if jobID.Valid {
		id := jobID.UUID
		run.JobID = &id
	}
	if targetCount.Valid {
		n := int(targetCount.Int64)
		run.TargetCount = &n
	}
	if reason.Valid {
		run.FailureReason = &reason.String
	}
	if detail.Valid {
		run.FailureDetail = &detail.String
	}
	return &run, nil
}
