// Package ratelimit provides the byte-based token bucket used for
// per-link send pacing.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket paces sends in byte units. Refill happens lazily on access,
// so an idle bucket costs nothing.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // bytes per second
	burst      int     // max accumulated bytes
	available  float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket refilling at rate bytes/second with the
// given burst capacity. The bucket starts full.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{rate: rate, burst: burst, available: float64(burst), lastRefill: time.Now()}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.available += elapsed * tb.rate
	if tb.available > float64(tb.burst) {
		tb.available = float64(tb.burst)
	}
	tb.lastRefill = now
}

// Allow consumes n bytes if available and returns true, otherwise false.
// Never blocks: the scheduler treats a refused bucket as zero headroom and
// picks another link.
func (tb *TokenBucket) Allow(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.available >= float64(n) {
		tb.available -= float64(n)
		return true
	}
	return false
}

// Headroom returns the fraction of burst capacity currently available,
// in [0,1].
func (tb *TokenBucket) Headroom() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	if tb.burst == 0 {
		return 0
	}
	h := tb.available / float64(tb.burst)
	if h > 1 {
		return 1
	}
	return h
}

// SetRate adjusts the refill rate, e.g. after a BitrateCmd or bandwidth
// report.
func (tb *TokenBucket) SetRate(rate float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	tb.rate = rate
}
