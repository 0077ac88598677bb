package handlers

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter interface {
	// Allow consumes one call for key. When denied it returns how long until a call would be admitted.
	Allow(key string) (bool, time.Duration)
}

// bucketLimiter keeps one token bucket per key: limit calls of burst, refilled evenly across window.
type bucketLimiter struct {
	every  rate.Limit
	burst  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newBucketLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &bucketLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		window:  window,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

func (l *bucketLimiter) Allow(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.pruneLocked(now)
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// pruneLocked drops buckets idle for a full window; they would have refilled completely anyway.
func (l *bucketLimiter) pruneLocked(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.seen) >= l.window {
			delete(l.buckets, key)
		}
	}
}
