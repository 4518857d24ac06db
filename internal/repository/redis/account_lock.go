package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const accountLockPrefix = "twofa:lock:"

// Deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

var ErrLockNotAcquired = errors.New("account lock not acquired")

// Store is the part of client.RedisClient the lock and limiter need.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	IncrWithExpire(ctx context.Context, key string, expiration time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// AccountLock is a distributed lock per account key (SET NX PX with a random
// token, compare-and-delete release). The TTL bounds how long a crashed
// holder can block others.
type AccountLock struct {
	store      Store
	ttl        time.Duration
	retryDelay time.Duration
}

func NewAccountLock(store Store, ttl time.Duration) *AccountLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &AccountLock{store: store, ttl: ttl, retryDelay: 25 * time.Millisecond}
}

func (l *AccountLock) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := accountLockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.store.SetNX(ctx, lockKey, token, l.ttl)
		if err != nil {
			util.Error("Failed to acquire account lock", util.Account(key), zap.Error(err))
			return nil, fmt.Errorf("failed to acquire account lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
		case <-time.After(l.retryDelay):
		}
	}

	util.Debug("Account lock acquired", util.Account(key))
	return func() { l.release(lockKey, token, key) }, nil
}

func (l *AccountLock) release(lockKey, token, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := l.store.Eval(ctx, releaseScript, []string{lockKey}, token)
	if err != nil {
		util.Error("Failed to release account lock", util.Account(key), zap.Error(err))
		return
	}
	if n, ok := res.(int64); ok && n == 0 {
		util.Warn("Account lock expired before release", util.Account(key), zap.Duration("ttl", l.ttl))
	}
}
