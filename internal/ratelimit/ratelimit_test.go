package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/iapsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilGuardAllowsEverything(t *testing.T) {
	var g *AppStoreGuard

	token, ok, err := g.TryLockLineage(context.Background(), "1000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, g.ReleaseLineage(context.Background(), "1000", token))

	res, err := g.AllowVerify(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLineageLockKey(t *testing.T) {
	assert.Equal(t, "appstore:lineage:1000", LineageLockKey(" 1000 "))
}

func TestDefaultBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, defaultBucketTTL(1, 5))
	assert.Equal(t, time.Second, defaultBucketTTL(100, 1))
}

func TestCastToFloatParsesStrings(t *testing.T) {
	assert.Equal(t, 2.5, castToFloat("2.5"))
	assert.Equal(t, float64(3), castToFloat(int64(3)))
	assert.Equal(t, float64(0), castToFloat("nope"))
}

// testRedis connects to REDIS_ADDR and skips the test when nothing answers.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestLineageLockIsExclusive(t *testing.T) {
	client := testRedis(t)
	ctx := context.Background()
	g := NewAppStoreGuard(config.Config{Redis: config.RedisConfig{LockTTL: 5 * time.Second}}, client)

	otx := "lock-test-" + time.Now().Format("150405.000000000")
	token, ok, err := g.TryLockLineage(ctx, otx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = g.TryLockLineage(ctx, otx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, g.ReleaseLineage(ctx, otx, "someone-else"), ErrLineageLockLost)
	_, ok, err = g.TryLockLineage(ctx, otx)
	require.NoError(t, err)
	assert.False(t, ok, "release with a foreign token must not unlock")

	require.NoError(t, g.ReleaseLineage(ctx, otx, token))
	token, ok, err = g.TryLockLineage(ctx, otx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, g.ReleaseLineage(ctx, otx, token))
	assert.ErrorIs(t, g.ReleaseLineage(ctx, otx, token), ErrLineageLockLost)
}

func TestUnreachableRedisFailsLineageLock(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	g := NewAppStoreGuard(config.Config{}, client)

	_, ok, err := g.TryLockLineage(context.Background(), "1000")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestLineageLockRejectsEmptyLineage(t *testing.T) {
	g := NewAppStoreGuard(config.Config{}, redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))

	_, ok, err := g.TryLockLineage(context.Background(), " ")
	require.Error(t, err)
	assert.False(t, ok)
}
