package ratelimit

import (
	"sync"
	"time"
)

// Tokens are tracked in nano-token fixed point so a rate of N tokens/sec adds
// exactly N units per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate of tokens per second up to capacity.
// A bucket with a non-positive rate or capacity never refills.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64
	rate     int64

	avail int64
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		avail:    toNano(capacity),
		last:     clock.Now(),
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

	b.refillLocked()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	full := toNano(b.capacity)
	missing := full - b.avail
	if missing <= 0 {
		b.avail = full
		return
	}
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= missing/b.rate {
		b.avail = full
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, full)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
