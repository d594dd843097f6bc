package locking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "lock:"
	// maxLockTries caps redsync retries; the caller's ctx deadline is the real bound.
	maxLockTries = 1000
)

// RedisOptions tunes the RedLock mutexes.
type RedisOptions struct {
	// Expiry is how long a lock survives a crashed holder.
	Expiry time.Duration
	// RetryDelay is the pause between acquisition attempts.
	RetryDelay time.Duration
}

func DefaultRedisOptions() RedisOptions {
	return RedisOptions{
		Expiry:     30 * time.Second,
		RetryDelay: 25 * time.Millisecond,
	}
}

// RedisLocker is a Locker shared by every process using the same Redis.
type RedisLocker struct {
	rs     *redsync.Redsync
	opts   RedisOptions
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		opts:   opts,
		logger: logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(redisKeyPrefix+key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(maxLockTries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		// redsync reports a done context as ErrFailed; keep the ctx cause.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, ctxErr)
		}
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		ok, err := mutex.UnlockContext(unlockCtx)
		if err != nil || !ok {
			l.logger.Warn("Lock release failed, it will expire on its own",
				"key", key, "expiry", l.opts.Expiry, "error", err)
		}
	}, nil
}
