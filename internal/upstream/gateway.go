// Package upstream reads the load/event records produced by the ingestion
// pipeline. The sync server never writes these rows; it only resolves the
// record a run is about to synchronize and inspects its completion flag.
package upstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/dealgate/dealer-sync-server/internal/otel"
)

// ErrNotFound is returned when no load event matches the lookup
var ErrNotFound = errors.New("load event not found")

// LoadEvent is one upstream data ingestion event.
type LoadEvent struct {
	// ID is the upstream event identifier runs reference
	ID                uuid.UUID
	ProcessType       string
	LoadID            string
	LoadTimestamp     time.Time
	FullySynchronized bool
}

// Gateway resolves upstream load events by their business key.
type Gateway interface {
	// Lookup returns the load event for (processType, loadID), or ErrNotFound
	Lookup(ctx context.Context, processType, loadID string) (*LoadEvent, error)
}

// sqlGateway implements Gateway on the shared Postgres instance.
type sqlGateway struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ Gateway = (*sqlGateway)(nil)

// GatewayOption is a functional option for configuring the gateway
type GatewayOption func(*sqlGateway)

// WithTracer sets the OpenTelemetry tracer for the gateway.
// If not set, tracing is disabled (no-op).
func WithTracer(tracer trace.Tracer) GatewayOption {
	return func(g *sqlGateway) {
		g.tracer = tracer
	}
}

// NewGateway creates a Postgres-backed load event gateway.
func NewGateway(db *sql.DB, opts ...GatewayOption) Gateway {
	g := &sqlGateway{db: db}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *sqlGateway) Lookup(ctx context.Context, processType, loadID string) (*LoadEvent, error) {
	ctx, span := otel.StartSpan(ctx, g.tracer, "upstream.Lookup")
	defer span.End()

	var event LoadEvent
	err := g.db.QueryRowContext(ctx, `
		SELECT id, process_type, load_id, load_timestamp, fully_synchronized
		FROM load_events
		WHERE process_type = $1 AND load_id = $2`,
		processType, loadID,
	).Scan(&event.ID, &event.ProcessType, &event.LoadID, &event.LoadTimestamp, &event.FullySynchronized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to look up load event: %w", err)
	}
	return &event, nil
}
