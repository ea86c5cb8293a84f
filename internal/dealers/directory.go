// Package dealers lists the downstream recipients of synchronization
// notifications. A run fans out to every active dealer; inactive dealers are
// kept for audit but never notified.
package dealers

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealgate/dealer-sync-server/internal/otel"
)

// Dealer is one fan-out target.
type Dealer struct {
	ID         uuid.UUID
	Name       string
	WebhookURL string
}

// Directory resolves the set of fan-out targets for a run.
type Directory interface {
	// ListActive returns all dealers that should receive notifications
	ListActive(ctx context.Context) ([]Dealer, error)
}

// sqlDirectory implements Directory on Postgres.
type sqlDirectory struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Directory = (*sqlDirectory)(nil)

// DirectoryOption is a functional option for configuring the directory
type DirectoryOption func(*sqlDirectory)

// WithTracer sets the OpenTelemetry tracer for the directory.
// If not set, tracing is disabled (no-op).
func WithTracer(tracer trace.Tracer) DirectoryOption {
	return func(d *sqlDirectory) {
		d.tracer = tracer
	}
}

// NewDirectory creates a Postgres-backed dealer directory.
func NewDirectory(db *sql.DB, opts ...DirectoryOption) Directory {
	d := &sqlDirectory{db: db}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *sqlDirectory) ListActive(ctx context.Context) ([]Dealer, error) {
	ctx, span := otel.StartSpan(ctx, d.tracer, "dealers.ListActive")
	defer span.End()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, name, webhook_url FROM dealers
		WHERE active ORDER BY name`)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to list active dealers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Dealer
	for rows.Next() {
		var dealer Dealer
		if err := rows.Scan(&dealer.ID, &dealer.Name, &dealer.WebhookURL); err != nil {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to scan dealer: %w", err)
		}
		result = append(result, dealer)
	}
	if err := rows.Err(); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to iterate dealers: %w", err)
	}
	return result, nil
}
