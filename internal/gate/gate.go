// Package gate provides the per-task token buckets backing execution rate
// limits. Tokens are consumed when an execution starts and accrue back
// over time; completions do not return tokens, so the bucket caps starts
// per window rather than concurrency.
package gate

import (
	"sync"
	"time"
)

// bucket implements a token bucket.
type bucket struct {
	capacity   int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time
}

// refill adds tokens accrued since the last refill. lastRefill advances
// by whole tokens only, so fractional accrual carries over between
// calls; a full bucket restarts accrual at now.
func (b *bucket) refill(now time.Time) {
	if b.window <= 0 || b.capacity <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if add == 0 {
		return
	}
	b.available += add
	if b.available >= b.capacity {
		b.available = b.capacity
		b.lastRefill = now
		return
	}
	perToken := b.window / time.Duration(b.capacity)
	b.lastRefill = b.lastRefill.Add(time.Duration(add) * perToken)
}

// Limiter holds one bucket per task name. Names without a bucket are
// unlimited.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	nowFunc func() time.Time // for testing
}

// New returns a limiter with no buckets configured.
func New() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

// SetRate configures name to at most limit starts per window. A
// non-positive limit or window removes the bucket, making name
// unlimited. Buckets start full.
func (l *Limiter) SetRate(name string, limit int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || window <= 0 {
		delete(l.buckets, name)
		return
	}
	l.buckets[name] = &bucket{
		capacity:   limit,
		available:  limit,
		window:     window,
		lastRefill: l.nowFunc(),
	}
}

// TryAcquire takes one token for name without blocking. Unlimited names
// always succeed.
func (l *Limiter) TryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[name]
	if !ok {
		return true
	}
	b.refill(l.nowFunc())
	if b.available > 0 {
		b.available--
		return true
	}
	return false
}

// NextFree returns how long until a token for name could be available.
// Zero means a TryAcquire would succeed now (or the name is unlimited).
// The dispatch loop uses it to pick its next wakeup instead of polling.
func (l *Limiter) NextFree(name string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[name]
	if !ok {
		return 0
	}
	now := l.nowFunc()
	b.refill(now)
	if b.available > 0 {
		return 0
	}
	perToken := b.window / time.Duration(b.capacity)
	wait := perToken - now.Sub(b.lastRefill)
	if wait < 0 {
		wait = 0
	}
	return wait
}
