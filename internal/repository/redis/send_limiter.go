package redis

import (
	"context"
	"fmt"
	"time"

	"twofa-service/internal/util"

	"go.uber.org/zap"
)

const sendLimitPrefix = "twofa:send:"

// SendLimiter caps OTP issuance per account in a fixed window, shared by
// every service instance.
type SendLimiter struct {
	store  Store
	limit  int
	window time.Duration
}

func NewSendLimiter(store Store, limit int, window time.Duration) *SendLimiter {
	return &SendLimiter{store: store, limit: limit, window: window}
}

// Allow counts one send and reports whether it is within the limit. When it
// is not, retryAfter is the time left in the window.
func (s *SendLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	counterKey := sendLimitPrefix + key
	count, err := s.store.IncrWithExpire(ctx, counterKey, s.window)
	if err != nil {
		util.Error("Failed to increment send counter", util.Account(key), zap.Error(err))
		return false, 0, fmt.Errorf("failed to increment send counter: %w", err)
	}
	if int(count) <= s.limit {
		return true, 0, nil
	}

	ttl, err := s.store.TTL(ctx, counterKey)
	if err != nil || ttl < 0 {
		ttl = s.window
	}
	util.Warn("OTP send limit reached",
		util.Account(key), zap.Int64("count", count), zap.Int("limit", s.limit))
	return false, ttl, nil
}
