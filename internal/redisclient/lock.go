package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const lockRetryInterval = 25 * time.Millisecond

// ErrLockLost is logged when a lock expired before its holder released it.
var ErrLockLost = errors.New("lock expired before release")

// OrderLocker serializes writers of one order across replicas. The lock is a
// Redis key holding a random token; only the holder of the token can
// release it, and the TTL frees it if the holder dies.
type OrderLocker struct {
	client        *Client
	ttl           time.Duration
	releaseScript *redis.Script
}

// NewOrderLocker creates a locker whose locks expire after ttl
func NewOrderLocker(client *Client, ttl time.Duration) *OrderLocker {
	return &OrderLocker{
		client:        client,
		ttl:           ttl,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

func lockKey(orderID int64) string {
	return fmt.Sprintf("lock:order:%d", orderID)
}

// Lock blocks until the order lock is acquired or ctx is done.
func (l *OrderLocker) Lock(ctx context.Context, orderID int64) (func(), error) {
	key := lockKey(orderID)
	token := uuid.New().String()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() { once.Do(func() { l.release(key, token) }) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *OrderLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	released, err := l.releaseScript.Run(ctx, l.client.rdb, []string{key}, token).Int64()
	switch {
	case err != nil:
		l.client.logger.Error("Failed to release lock", zap.String("key", key), zap.Error(err))
	case released == 0:
		l.client.logger.Warn("Lock released after expiry", zap.String("key", key), zap.Error(ErrLockLost))
	}
}
