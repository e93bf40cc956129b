package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-sync/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_FirstWins(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test-" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	ok, err := adapter.SetIdempotency(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.SetIdempotency(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ttl := client.TTL(ctx, idempotencyKeyPrefix+key).Val()
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, idempotencyKeyTTL)
}

func TestReleaseIdempotency_AllowsResubmit(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test-" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	ok, err := adapter.SetIdempotency(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, adapter.ReleaseIdempotency(ctx, key))

	ok, err = adapter.SetIdempotency(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	key := "test-" + uuid.NewString()
	defer client.Del(ctx, idempotencyKeyPrefix+key)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, key)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func newTestBucket(t *testing.T, client *redis.Client, perMinute int) *RedisTokenBucket {
	name := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), bucketKeyPrefix+name) })
	return NewRedisTokenBucket(client, name, perMinute)
}

func TestRedisTokenBucket_DrainsThenRejects(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	bucket := newTestBucket(t, client, 5)

	for i := 0; i < 5; i++ {
		ok, err := bucket.Acquire(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok, "acquire %d", i)
	}

	ok, err := bucket.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// 5 per minute refills one token every 12s.
	wait, err := bucket.WaitTime(ctx, 1)
	require.NoError(t, err)
	assert.Greater(t, wait, 10*time.Second)
	assert.LessOrEqual(t, wait, 12*time.Second)
}

func TestRedisTokenBucket_WaitTimeDoesNotConsume(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	bucket := newTestBucket(t, client, 3)

	for i := 0; i < 10; i++ {
		wait, err := bucket.WaitTime(ctx, 3)
		require.NoError(t, err)
		assert.Zero(t, wait)
	}

	ok, err := bucket.Acquire(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisTokenBucket_ExceedsCapacity(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	bucket := newTestBucket(t, client, 3)

	_, err := bucket.Acquire(context.Background(), 4)
	assert.ErrorIs(t, err, domain.ErrExceedsCapacity)

	_, err = bucket.WaitTime(context.Background(), 4)
	assert.ErrorIs(t, err, domain.ErrExceedsCapacity)
}

func TestRedisTokenBucket_RejectsNonPositive(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	bucket := newTestBucket(t, client, 3)

	for _, n := range []int{0, -5} {
		_, err := bucket.Acquire(ctx, n)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)

		_, err = bucket.WaitTime(ctx, n)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	}

	granted := 0
	for i := 0; i < 10; i++ {
		ok, err := bucket.Acquire(ctx, 1)
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	assert.Equal(t, 3, granted)
}

func TestRedisTokenBucket_SharedAcrossInstances(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	name := "test-" + uuid.NewString()
	defer client.Del(ctx, bucketKeyPrefix+name)

	const budget = 10
	buckets := make([]*RedisTokenBucket, 4)
	for i := range buckets {
		buckets[i] = NewRedisTokenBucket(client, name, budget)
	}

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(b *RedisTokenBucket) {
			defer wg.Done()
			ok, err := b.Acquire(ctx, 1)
			if err == nil && ok {
				granted.Add(1)
			}
		}(buckets[i%len(buckets)])
	}
	wg.Wait()

	// A few milliseconds of refill cannot add a whole token at 10 per minute.
	assert.Equal(t, int32(budget), granted.Load())
}
