package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/medflow/medcode/pkg/logger"
)

// ErrNotObtained is returned when the lock could not be taken before the context ended.
var ErrNotObtained = errors.New("distributed lock not obtained")

// RedisLocker takes a cross-process lock per key so several code-service replicas never
// allocate from the same bucket at once. The durable counter stays the source of truth.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
	retry  time.Duration
	logger *logger.Logger
}

// NewRedisLocker creates a locker backed by rdb.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, log *logger.Logger) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		prefix: "medcode:lock:",
		retry:  10 * time.Millisecond,
		logger: log.WithComponent("redis-locker"),
	}
}

// Lock blocks until the lock for key is obtained or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// Release on a fresh context: the caller's may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn().Err(err).Str("key", key).Msg("failed to release redis lock")
		}
	}, nil
}
