package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callrelay/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// KEYS[1] = counter key, ARGV[1] = limit, ARGV[2] = ttl_ms.
// Returns 1 if acquired, 0 if the limit is reached. The TTL is refreshed on
// every acquire so a crashed process cannot hold slots forever.
var slotAcquireScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// KEYS[1] = counter key, ARGV[1] = ttl_ms.
// Decrements and deletes the key once it reaches zero; otherwise refreshes
// the TTL so long-lived holders do not lose their slots to expiry.
var slotReleaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
else
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return 1
`)

// SlotLimiter caps how many holders may be active at once across every
// process sharing the same Redis key.
type SlotLimiter struct {
	rdb   redis.Cmdable
	key   string
	limit int
	ttl   time.Duration
}

func NewSlotLimiter(rdb redis.Cmdable, key string, limit int, ttl time.Duration) (*SlotLimiter, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if key == "" {
		return nil, errors.New("key is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be > 0")
	}
	return &SlotLimiter{rdb: rdb, key: key, limit: limit, ttl: ttl}, nil
}

// Acquire takes one slot. It reports false when the limit is reached.
func (l *SlotLimiter) Acquire(ctx context.Context) (bool, error) {
	res, err := slotAcquireScript.Run(ctx, l.rdb, []string{l.key}, l.limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	return res == 1, nil
}

// Release returns one slot.
func (l *SlotLimiter) Release(ctx context.Context) error {
	if _, err := slotReleaseScript.Run(ctx, l.rdb, []string{l.key}, l.ttl.Milliseconds()).Result(); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Refresh extends the counter's TTL. It is a no-op when no slot is held.
func (l *SlotLimiter) Refresh(ctx context.Context) error {
	if err := l.rdb.PExpire(ctx, l.key, l.ttl).Err(); err != nil {
		return fmt.Errorf("refresh slots: %w", err)
	}
	return nil
}

// KeepAlive refreshes the TTL every interval while active reports true, so
// slots held by calls outliving the TTL are not reset by expiry. A crashed
// process stops refreshing and its slots expire. It returns when ctx ends.
func (l *SlotLimiter) KeepAlive(ctx context.Context, interval time.Duration, active func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if active != nil && !active() {
				continue
			}
			if err := l.Refresh(ctx); err != nil {
				logger.From(ctx).Warn("active call slot refresh failed", "key", l.key, "err", err)
			}
		}
	}
}

// InUse returns the number of slots currently held.
func (l *SlotLimiter) InUse(ctx context.Context) (int, error) {
	n, err := l.rdb.Get(ctx, l.key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
