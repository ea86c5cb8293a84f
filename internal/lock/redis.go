package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dealgate/dealer-sync-server/internal/config"
	"github.com/dealgate/dealer-sync-server/internal/logger"
)

const keyPrefix = "dealer-sync:lock:"

// releaseScript deletes the lock only when the stored token matches the
// caller's lease, so a stale holder cannot release a re-acquired lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only for the current token holder.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// redisService implements Service on top of a Redis-backed lock key per
// process type, using SET NX plus a fencing token.
type redisService struct {
	client redis.UniversalClient
}

var _ Service = (*redisService)(nil)

// NewRedisService creates a lock service backed by the given Redis client.
func NewRedisService(client redis.UniversalClient) Service {
	return &redisService{client: client}
}

// NewClient builds a Redis client from configuration and verifies connectivity.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("redis configuration is required")
	}

	password, err := cfg.GetPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis password: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Errorf("Failed to close redis client after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Address, err)
	}

	logger.Infof("Lock backend connection established: redis %s (db %d)", cfg.Address, cfg.DB)
	return client, nil
}

func lockKey(processType string) string {
	return keyPrefix + processType
}

func (s *redisService) TryAcquire(ctx context.Context, processType string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, lockKey(processType), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	logger.Debugf("Acquired sync lock for %s (ttl %s)", processType, ttl)
	return &Lease{ProcessType: processType, Token: token}, nil
}

func (s *redisService) IsActive(ctx context.Context, processType string) (bool, error) {
	n, err := s.client.Exists(ctx, lockKey(processType)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (s *redisService) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}

	released, err := releaseScript.Run(ctx, s.client, []string{lockKey(lease.ProcessType)}, lease.Token).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if released == 0 {
		// Already expired or released; releasing is idempotent.
		logger.Debugf("Sync lock for %s was already gone on release", lease.ProcessType)
		return nil
	}

	logger.Debugf("Released sync lock for %s", lease.ProcessType)
	return nil
}

func (s *redisService) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if lease == nil {
		return ErrLeaseLost
	}

	renewed, err := renewScript.Run(ctx, s.client,
		[]string{lockKey(lease.ProcessType)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if renewed == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *redisService) ForceRelease(ctx context.Context, processType string) error {
	deleted, err := s.client.Del(ctx, lockKey(processType)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Force release bypasses the fencing token; log loudly for the audit trail.
	logger.Warnf("Force-released sync lock for %s (existed=%t)", processType, deleted > 0)
	return nil
}
