package belt

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with TaskBuilder.Retry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given retry budget: how many
// retries are allowed after the first attempt. Zero means no retries;
// a negative budget means unlimited.
//
// The default schedule doubles the delay starting at one second and
// caps it at one minute.
func Retry(max int) RetryBuilder {
	return RetryBuilder{
		policy: RetryPolicy{
			Max:      max,
			Base:     time.Second,
			MaxDelay: time.Minute,
		},
	}
}

// WithBackoff configures the doubling schedule: the delay before retry
// n is min(maxDelay, base*2^n). A maxDelay <= 0 removes the ceiling.
//
// Example:
//
//	Retry(3).WithBackoff(100*time.Millisecond, 2*time.Second)
func (r RetryBuilder) WithBackoff(base, maxDelay time.Duration) RetryBuilder {
	p := r.policy
	if base < 0 {
		base = 0
	}
	if maxDelay < 0 {
		maxDelay = 0
	}
	p.Base = base
	p.MaxDelay = maxDelay
	return RetryBuilder{policy: p}
}

// WithJitter draws each delay uniformly from [0, delay], spreading out
// retry storms after a shared failure.
func (r RetryBuilder) WithJitter() RetryBuilder {
	p := r.policy
	p.Jitter = true
	return RetryBuilder{policy: p}
}

// Immediate disables any delay between retries.
// Retries will still respect the budget.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Base = 0
	p.MaxDelay = 0
	p.Jitter = false
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to
// TaskBuilder.Retry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
