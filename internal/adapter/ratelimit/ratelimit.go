// Package ratelimit caps how many money movements a client may start per
// time window.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ibrahimkeyboad/gopay/internal/core/domain"
)

const keyPrefix = "tx_frequency:"

// hit counts one call and gives the key a TTL whenever it has none, so a
// counter can never outlive its window.
var hit = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

const (
	DefaultMax    = 10
	DefaultWindow = 5 * time.Minute
)

// RedisLimiter is a fixed-window counter shared by every API instance.
type RedisLimiter struct {
	client redis.UniversalClient
	max    int64
	window time.Duration
	logger *slog.Logger
}

func NewRedisLimiter(client redis.UniversalClient, max int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if max <= 0 {
		max = DefaultMax
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, max: int64(max), window: window, logger: logger}
}

// Check counts the call and rejects it once the window is full.
func (l *RedisLimiter) Check(ctx context.Context, clientID int64) error {
	key := keyPrefix + strconv.FormatInt(clientID, 10)

	count, err := hit.Run(ctx, l.client, []string{key}, l.window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("rate limit counter: %w", err)
	}

	if count > l.max {
		l.logger.Warn("Rate limit exceeded", "client_id", clientID, "count", count, "max", l.max)
		return domain.RateLimited(fmt.Sprintf("at most %d transactions per %s", l.max, l.window))
	}
	return nil
}
