package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/iapsync/internal/config"
)

const keyVerifyUser = "appstore:verify:user:%s"

// AppStoreGuard holds the Redis lineage lock and the verify-purchase rate
// limit. A nil guard allows everything.
type AppStoreGuard struct {
	bucket *TokenBucket
	lock   *lineageLock

	verifyRate  float64
	verifyBurst int
}

func NewAppStoreGuard(cfg config.Config, client *redis.Client) *AppStoreGuard {
	if client == nil {
		return nil
	}
	return &AppStoreGuard{
		bucket:      NewTokenBucket(client),
		lock:        newLineageLock(client, cfg.Redis.LockTTL),
		verifyRate:  cfg.Redis.VerifyRate,
		verifyBurst: cfg.Redis.VerifyBurst,
	}
}

func (g *AppStoreGuard) Enabled() bool {
	return g != nil && g.lock != nil
}

// TryLockLineage returns ok=false when another process holds the lineage.
func (g *AppStoreGuard) TryLockLineage(ctx context.Context, originalTransactionID string) (string, bool, error) {
	if !g.Enabled() {
		return "", true, nil
	}
	return g.lock.acquire(ctx, originalTransactionID)
}

// ReleaseLineage returns ErrLineageLockLost when the lock expired first.
func (g *AppStoreGuard) ReleaseLineage(ctx context.Context, originalTransactionID, token string) error {
	if !g.Enabled() {
		return nil
	}
	return g.lock.release(ctx, originalTransactionID, token)
}

// AllowVerify applies the per-user verify-purchase bucket. Rate or burst
// left at zero disables the limit.
func (g *AppStoreGuard) AllowVerify(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !g.Enabled() || g.verifyRate <= 0 || g.verifyBurst <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	return g.bucket.Allow(ctx, fmt.Sprintf(keyVerifyUser, strings.TrimSpace(userID)), g.verifyRate, g.verifyBurst)
}
