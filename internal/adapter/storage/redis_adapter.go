package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/port"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	bucketKeyPrefix      = "ratelimit:"
)

var (
	_ port.IdempotencyGuard = (*RedisAdapter)(nil)
	_ port.RateLimiter      = (*RedisTokenBucket)(nil)
)

// tokenBucketScript refills the bucket from the server clock and, when
// ARGV[3] is "1", takes ARGV[1] tokens if available. Returns {granted, wait_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local n = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local take = ARGV[3] == "1"
local refill_per_ms = tonumber(ARGV[4])

local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if not tokens then
	tokens = capacity
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * refill_per_ms)

local granted = 0
if tokens >= n then
	if take then
		tokens = tokens - n
		granted = 1
	end
end

local wait_ms = 0
if tokens < n then
	wait_ms = math.ceil((n - tokens) / refill_per_ms)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', key, math.ceil(capacity / refill_per_ms) + 1000)

return {granted, wait_ms}
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

// RedisTokenBucket shares one bucket between every process pointing at the
// same Redis key. The script uses the server clock so callers need no clock
// agreement.
type RedisTokenBucket struct {
	client      *redis.Client
	key         string
	capacity    int
	refillPerMs float64
}

// NewRedisTokenBucket builds a bucket allowing perMinute calls per minute
// with bursts up to perMinute.
func NewRedisTokenBucket(client *redis.Client, name string, perMinute int) *RedisTokenBucket {
	return &RedisTokenBucket{
		client:      client,
		key:         bucketKeyPrefix + name,
		capacity:    perMinute,
		refillPerMs: float64(perMinute) / 60000,
	}
}

func (b *RedisTokenBucket) run(ctx context.Context, n int, take bool) (bool, time.Duration, error) {
	if n <= 0 {
		return false, 0, fmt.Errorf("%w: token count must be positive, got %d", domain.ErrInvalidInput, n)
	}
	if n > b.capacity {
		return false, 0, domain.ErrExceedsCapacity
	}
	flag := "0"
	if take {
		flag = "1"
	}
	res, err := tokenBucketScript.Run(ctx, b.client, []string{b.key}, n, b.capacity, flag, b.refillPerMs).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("token bucket script: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (b *RedisTokenBucket) Acquire(ctx context.Context, n int) (bool, error) {
	granted, _, err := b.run(ctx, n, true)
	return granted, err
}

func (b *RedisTokenBucket) WaitTime(ctx context.Context, n int) (time.Duration, error) {
	_, wait, err := b.run(ctx, n, false)
	return wait, err
}
