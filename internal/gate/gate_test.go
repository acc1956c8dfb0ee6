package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time explicitly.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New()
	l.nowFunc = clock.Now
	return l, clock
}

func TestUnlimitedWithoutBucket(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	for i := 0; i < 1000; i++ {
		require.True(t, l.TryAcquire("anything"))
	}
	require.Equal(t, time.Duration(0), l.NextFree("anything"))
}

func TestBucketCapsStartsPerWindow(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	l.SetRate("demo.add", 3, time.Minute)

	require.True(t, l.TryAcquire("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))
	require.False(t, l.TryAcquire("demo.add"), "fourth start within the window must be refused")
}

func TestBucketRefillsOverTime(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter()
	l.SetRate("demo.add", 2, time.Minute)

	require.True(t, l.TryAcquire("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))
	require.False(t, l.TryAcquire("demo.add"))

	// Half a window accrues one of the two tokens.
	clock.Advance(30 * time.Second)
	require.True(t, l.TryAcquire("demo.add"))
	require.False(t, l.TryAcquire("demo.add"))

	// A full window refills to capacity, not beyond.
	clock.Advance(5 * time.Minute)
	require.True(t, l.TryAcquire("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))
	require.False(t, l.TryAcquire("demo.add"))
}

func TestNextFreeReportsWakeup(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter()
	l.SetRate("demo.add", 2, time.Minute)

	require.Equal(t, time.Duration(0), l.NextFree("demo.add"), "full bucket is immediately acquirable")

	require.True(t, l.TryAcquire("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))

	wait := l.NextFree("demo.add")
	require.Equal(t, 30*time.Second, wait, "one token accrues per half minute")

	clock.Advance(10 * time.Second)
	require.Equal(t, 20*time.Second, l.NextFree("demo.add"))

	clock.Advance(20 * time.Second)
	require.Equal(t, time.Duration(0), l.NextFree("demo.add"))
	require.True(t, l.TryAcquire("demo.add"))
}

func TestSetRateRemovesBucket(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	l.SetRate("demo.add", 1, time.Minute)
	require.True(t, l.TryAcquire("demo.add"))
	require.False(t, l.TryAcquire("demo.add"))

	l.SetRate("demo.add", 0, 0)
	require.True(t, l.TryAcquire("demo.add"), "removed bucket means unlimited")
}
