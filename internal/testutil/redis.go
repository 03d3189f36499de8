package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLockTTL = 30 * time.Minute

// SetupTestRedis returns a client on a flushed Redis database reserved for
// this test. The test is skipped when Redis is unreachable.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	infra := LoadInfra(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// DB 0 holds the reservations, so flushing a test DB cannot drop them.
	meta := redis.NewClient(&redis.Options{Addr: infra.RedisAddr})
	t.Cleanup(func() { closeQuietly(t, "redis meta client", meta) })
	if err := meta.Ping(ctx).Err(); err != nil {
		unavailable(t, infra.RequireRedis || infra.RequireAll, "redis at "+infra.RedisAddr, err)
		return nil
	}

	db := infra.RedisDB
	if db < 0 {
		db = reserveRedisDB(ctx, t, meta)
	}

	client := redis.NewClient(&redis.Options{Addr: infra.RedisAddr, DB: db})
	t.Cleanup(func() { closeQuietly(t, "redis client", client) })
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis db %d: %v", db, err)
	}
	return client
}

// reserveRedisDB claims the first free database in 1..15 through a SETNX lock
// so parallel test packages do not flush each other.
func reserveRedisDB(ctx context.Context, t testing.TB, meta *redis.Client) int {
	owner := fmt.Sprintf("%d:%d", os.Getpid(), time.Now().UnixNano())
	for db := 1; db <= 15; db++ {
		key := fmt.Sprintf("mmk-jobs:testutil:db_lock:%d", db)
		ok, err := meta.SetNX(ctx, key, owner, redisLockTTL).Result()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() {
			delCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := meta.Del(delCtx, key).Err(); err != nil {
				t.Logf("warning: release redis db lock %s: %v", key, err)
			}
		})
		return db
	}
	t.Logf("no free redis db at %s, sharing db 1", meta.Options().Addr)
	return 1
}
