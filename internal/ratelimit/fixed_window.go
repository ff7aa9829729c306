// ABOUTME: Redis-backed fixed-window limiter for conversation turns
// ABOUTME: Counts turns per tenant#user per window slot and fails closed on Redis errors

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisTimeout = 2 * time.Second

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter decides whether a key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// FixedWindow limits requests per key within aligned time windows shared
// across gateway replicas through Redis.
type FixedWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ Limiter = (*FixedWindow)(nil)

// NewFixedWindow connects a limiter to the Redis server at addr.
func NewFixedWindow(addr, password, prefix string, limit int, window time.Duration, logger *slog.Logger) (*FixedWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "coursechat:ratelimit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FixedWindow{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger.With("component", "ratelimit"),
	}, nil
}

// Allow reports whether key is within quota for the current window.
func (l *FixedWindow) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	windowMs := l.window.Milliseconds()
	slot := l.now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		l.logger.Warn("rate limit check failed, rejecting", "key", key, "error", err)
		return false
	}
	return count <= int64(l.limit)
}

// Ping checks the Redis connection.
func (l *FixedWindow) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (l *FixedWindow) Close() error {
	return l.client.Close()
}
