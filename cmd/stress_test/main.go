package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-sync/internal/adapter/storage"
	"github.com/rl1809/stock-sync/internal/logger"
)

const (
	bucketName    = "stress-test"
	perMinute     = 20
	totalRequests = 50
	workers       = 8
)

// Hammers the shared Redis token bucket from several "workers" at once and
// checks that no more than the burst budget is granted.
func main() {
	ctx := context.Background()
	log := logger.New(logger.Config{Env: "development", Level: "info"})

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	rdb.Del(ctx, "ratelimit:"+bucketName)

	// one bucket instance per simulated process
	buckets := make([]*storage.RedisTokenBucket, workers)
	for i := range buckets {
		buckets[i] = storage.NewRedisTokenBucket(rdb, bucketName, perMinute)
	}

	var granted, rejected, failed atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := buckets[i%workers].Acquire(ctx, 1)
			switch {
			case err != nil:
				failed.Add(1)
			case ok:
				granted.Add(1)
			default:
				rejected.Add(1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	wait, err := buckets[0].WaitTime(ctx, 1)
	if err != nil {
		log.Error().Err(err).Msg("wait time")
	}

	fmt.Println("========== TOKEN BUCKET STRESS ==========")
	fmt.Printf("Budget per minute: %d\n", perMinute)
	fmt.Printf("Total Requests:    %d\n", totalRequests)
	fmt.Printf("Granted:           %d\n", granted.Load())
	fmt.Printf("Rejected:          %d\n", rejected.Load())
	fmt.Printf("Errors:            %d\n", failed.Load())
	fmt.Printf("Next token in:     %v\n", wait)
	fmt.Printf("Duration:          %v\n", elapsed)
	fmt.Println("=========================================")

	// refill during the run may add a token or two
	maxGrant := int32(perMinute) + int32(elapsed.Seconds()*perMinute/60) + 1
	if granted.Load() >= perMinute && granted.Load() <= maxGrant {
		fmt.Printf("PASS: %d granted within budget\n", granted.Load())
	} else {
		fmt.Printf("FAIL: %d granted, expected between %d and %d\n", granted.Load(), perMinute, maxGrant)
	}
}
