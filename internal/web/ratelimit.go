package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultLoginRatePerMinute is the login attempt budget per client address.
const DefaultLoginRatePerMinute = 5

const limiterIdleCleanup = 5 * time.Minute

// LoginLimiter throttles login attempts per key with a token bucket.
type LoginLimiter struct {
	mutex       sync.Mutex
	limiters    map[string]*rate.Limiter
	limit       rate.Limit
	burst       int
	now         func() time.Time
	lastCleanup time.Time
}

// NewLoginLimiter allows perMinute attempts per key, all available as a burst.
// A non-positive perMinute disables limiting.
func NewLoginLimiter(perMinute int, now func() time.Time) *LoginLimiter {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / time.Minute.Seconds())
		burst = perMinute
	}
	return &LoginLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       limit,
		burst:       burst,
		now:         now,
		lastCleanup: now(),
	}
}

// Allow consumes one attempt for key. When refused it reports how long to wait.
func (limiter *LoginLimiter) Allow(key string) (bool, time.Duration) {
	if limiter.limit == rate.Inf {
		return true, 0
	}
	now := limiter.now()

	limiter.mutex.Lock()
	limiter.cleanupLocked(now)
	bucket, ok := limiter.limiters[key]
	if !ok {
		bucket = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[key] = bucket
	}
	limiter.mutex.Unlock()

	if bucket.AllowN(now, 1) {
		return true, 0
	}
	reservation := bucket.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	reservation.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}

func (limiter *LoginLimiter) cleanupLocked(now time.Time) {
	if now.Sub(limiter.lastCleanup) < limiterIdleCleanup {
		return
	}
	limiter.lastCleanup = now
	for key, bucket := range limiter.limiters {
		if bucket.TokensAt(now) >= float64(limiter.burst) {
			delete(limiter.limiters, key)
		}
	}
}
