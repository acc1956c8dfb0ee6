package api

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls automatic retries of a task. Max is the retry
// budget after the first attempt. For example:
//
//	Max = 0  => no retries (just the initial attempt)
//	Max = 3  => initial attempt + up to 3 retries
//	Max < 0  => unlimited retries
//
// The delay before retry n (0-based) is min(MaxDelay, Base*2^n), the
// classic doubling schedule. With Jitter set the delay is drawn uniformly
// from [0, delay], which spreads out retry storms after a shared failure.
type RetryPolicy struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   bool
}

// Allowed reports whether another retry fits the budget given the number
// of retries already consumed.
func (p *RetryPolicy) Allowed(retries int) bool {
	return p.Max < 0 || retries < p.Max
}

// NextDelay returns the backoff before retry number retries (0-based).
// It is monotonically non-decreasing in retries when Jitter is off, and
// overflow-safe for any retry count.
func (p *RetryPolicy) NextDelay(retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := p.Base
	if d < 0 {
		d = 0
	}
	for i := 0; i < retries; i++ {
		if d == 0 {
			break
		}
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		next := d * 2
		if next <= d {
			// Doubling overflowed; clamp.
			next = math.MaxInt64
		}
		d = next
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		n := int64(d)
		if n < math.MaxInt64 {
			n++
		}
		d = time.Duration(rand.Int64N(n))
	}
	return d
}
