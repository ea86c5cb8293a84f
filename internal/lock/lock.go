// Package lock implements the distributed mutual-exclusion lock that guards
// batch synchronization admission. Locks are scoped to a process type: while a
// ProductList sync is running, no other ProductList sync can be admitted
// anywhere in the fleet, regardless of load id.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/dealgate/dealer-sync-server/internal/logger"
)

var (
	// ErrNotAcquired is returned by TryAcquire when another holder owns the
	// lock. This is an admission decision, not a failure.
	ErrNotAcquired = errors.New("lock is held by another run")

	// ErrUnavailable is returned when the lock backend cannot be reached.
	// Callers must fail closed: no lock guarantee means no admission.
	ErrUnavailable = errors.New("lock backend unavailable")

	// ErrLeaseLost is returned by Renew when the lease no longer belongs to
	// the caller, either because it expired or was force-released.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Lease is proof of lock ownership. The token fences release and renewal so a
// stale holder cannot clobber a lock re-acquired by someone else. Leases are
// plain data on purpose: they travel through the job queue payload so the
// background worker can renew and release a lock acquired during admission.
type Lease struct {
	ProcessType string
	Token       string
}

// Service is the distributed lock contract used by admission and job execution.
type Service interface {
	// TryAcquire attempts non-blocking acquisition of the process-type lock.
	// Returns ErrNotAcquired when held elsewhere and ErrUnavailable when the
	// backend cannot be reached.
	TryAcquire(ctx context.Context, processType string, ttl time.Duration) (*Lease, error)

	// IsActive reports whether a lock currently exists for the process type.
	// Best-effort probe for status endpoints, not an admission decision.
	IsActive(ctx context.Context, processType string) (bool, error)

	// Release releases the lease. Idempotent: releasing an expired or
	// already-released lease is not an error.
	Release(ctx context.Context, lease *Lease) error

	// Renew extends the lease TTL. Returns ErrLeaseLost if the lease no
	// longer belongs to the caller.
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// ForceRelease removes the lock for a process type regardless of owner.
	// Operator escape hatch for the unlock command; never exposed over HTTP.
	ForceRelease(ctx context.Context, processType string) error
}

// Adopt reconstructs a lease from a persisted job payload. No ownership check
// happens here; the token fences all subsequent operations.
func Adopt(processType, token string) *Lease {
	return &Lease{ProcessType: processType, Token: token}
}

// KeepAlive renews the lease every interval until ctx is cancelled. It is
// meant to run as a goroutine for the lifetime of the job holding the lease;
// cancel the context when the job returns. A failed renewal is a correctness
// risk (another run could be admitted while this one still works), so it is
// logged at error severity, and renewal stops once the lease is known lost.
func KeepAlive(ctx context.Context, svc Service, lease *Lease, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Renew(ctx, lease, ttl); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Errorf("Failed to renew sync lock for %s: %v (mutual exclusion no longer guaranteed)",
					lease.ProcessType, err)
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}
