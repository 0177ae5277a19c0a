package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const keyLineageLock = "appstore:lineage:%s"

// ErrLineageLockLost is returned on release when the lock expired or was
// taken over before the holder finished.
var ErrLineageLockLost = errors.New("lineage lock no longer held")

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

func LineageLockKey(originalTransactionID string) string {
	return fmt.Sprintf(keyLineageLock, strings.TrimSpace(originalTransactionID))
}

// lineageLock keeps one reconciler per lineage across instances. It is a
// single-node SET NX PX lock owned by a random token; the ttl bounds how
// long a crashed holder can block the lineage.
type lineageLock struct {
	client *redis.Client
	ttl    time.Duration
}

func newLineageLock(client *redis.Client, ttl time.Duration) *lineageLock {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &lineageLock{client: client, ttl: ttl}
}

func (l *lineageLock) acquire(ctx context.Context, originalTransactionID string) (string, bool, error) {
	if strings.TrimSpace(originalTransactionID) == "" {
		return "", false, errors.New("lineage lock: original transaction id is empty")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, LineageLockKey(originalTransactionID), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lineage lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *lineageLock) release(ctx context.Context, originalTransactionID, token string) error {
	if token == "" {
		return nil
	}
	deleted, err := compareAndDelete.Run(ctx, l.client, []string{LineageLockKey(originalTransactionID)}, token).Int64()
	if err != nil {
		return fmt.Errorf("lineage lock: %w", err)
	}
	if deleted == 0 {
		return ErrLineageLockLost
	}
	return nil
}
