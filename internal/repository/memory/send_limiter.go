package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter caps OTP sends per account within this process. It backs the
// send limit when Redis is not configured; limit sends refill evenly over
// window.
type SendLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewSendLimiter(limit int, window time.Duration) *SendLimiter {
	return &SendLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

func (s *SendLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.limiters[key]
	if !ok {
		s.prune(now)
		every := rate.Every(s.window / time.Duration(s.limit))
		e = &limiterEntry{limiter: rate.NewLimiter(every, s.limit)}
		s.limiters[key] = e
	}
	e.lastSeen = now

	r := e.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, s.window, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// prune drops limiters idle for a full window; they would be full again.
func (s *SendLimiter) prune(now time.Time) {
	for k, e := range s.limiters {
		if now.Sub(e.lastSeen) >= s.window {
			delete(s.limiters, k)
		}
	}
}

func (s *SendLimiter) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}
