package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly X
// nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) from an injected Clock.
// Arithmetic is fixed-point so refills are exact and reproducible in tests.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	burst int64 // tokens
	rate  int64 // tokens/sec

	nano int64 // available nano-tokens
	last time.Time
}

// NewTokenBucket returns a full bucket. A nil clock means RealClock.
func NewTokenBucket(clock Clock, burst, ratePerSec int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	burst = max(burst, 0)
	ratePerSec = max(ratePerSec, 0)
	return &TokenBucket{
		clock: clock,
		burst: burst,
		rate:  ratePerSec,
		nano:  toNano(burst),
		last:  clock.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.nano < cost {
		return false
	}
	b.nano -= cost
	return true
}

// Available reports the whole tokens currently in the bucket.
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.nano / nanoPerToken
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that went backwards only moves the reference point.
	if elapsed <= 0 || b.rate <= 0 || b.burst <= 0 {
		return
	}

	full := toNano(b.burst)
	missing := full - b.nano
	if missing <= 0 {
		b.nano = full
		return
	}
	// elapsed*rate may overflow; anything past the time-to-full just fills.
	if ns := elapsed.Nanoseconds(); ns >= missing/b.rate {
		b.nano = full
	} else {
		b.nano = min(b.nano+ns*b.rate, full)
	}
}

func toNano(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > maxInt64/nanoPerToken:
		return maxInt64
	default:
		return tokens * nanoPerToken
	}
}
