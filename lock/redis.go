package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions tunes the distributed lock.
type RedisOptions struct {
	// Prefix is prepended to every key.
	Prefix string

	// Expiry bounds how long a crashed holder keeps the lock.
	Expiry time.Duration
}

// DefaultRedisOptions returns options suitable for accrual runs.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Prefix: "benefits:lock:",
		Expiry: 10 * time.Minute,
	}
}

// Redis is a distributed lock on redsync.
type Redis struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedis creates a Redis lock over client.
func NewRedis(client redis.UniversalClient, opts RedisOptions, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultRedisOptions().Expiry
	}
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

// TryLock attempts to acquire key once. acquired is false, with no error,
// when another holder has it.
func (r *Redis) TryLock(ctx context.Context, key string) (func(context.Context) error, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrEmptyKey
	}

	name := r.opts.Prefix + key
	mutex := r.rs.NewMutex(name,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			r.logger.Debug("lock already held", zap.String("key", name))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	r.logger.Debug("lock acquired", zap.String("key", name))

	unlock := func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			r.logger.Error("failed to release lock", zap.String("key", name), zap.Error(err))
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if !ok {
			r.logger.Warn("lock was not held or already expired", zap.String("key", name))
			return ErrNotHeld
		}
		return nil
	}
	return unlock, true, nil
}

// redsync reports contention either as ErrFailed or as a "lock already
// taken" error depending on the path.
func isContention(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}
