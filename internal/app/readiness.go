package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dealgate/dealer-sync-server/internal/db"
)

// storeReadiness answers the /readiness probe by pinging the backing stores.
// Redis is optional: without a lock backend the server still serves status
// and history reads, and admission fails closed per request.
type storeReadiness struct {
	database *db.Connection
	redis    redis.UniversalClient
}

func (s *storeReadiness) CheckReadiness(ctx context.Context) error {
	if s.database == nil {
		return fmt.Errorf("database connection is not configured")
	}
	if err := s.database.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("lock backend unreachable: %w", err)
		}
	}

	return nil
}
