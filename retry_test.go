package belt

import (
	"testing"
	"time"
)

// Ensure Retry fills in the doubling-schedule defaults.
func TestRetry_Defaults(t *testing.T) {
	p := Retry(3).Policy()
	if p.Max != 3 {
		t.Fatalf("expected Max=3, got %d", p.Max)
	}
	if p.Base != time.Second {
		t.Fatalf("expected Base=1s, got %v", p.Base)
	}
	if p.MaxDelay != time.Minute {
		t.Fatalf("expected MaxDelay=1m, got %v", p.MaxDelay)
	}
	if p.Jitter {
		t.Fatalf("expected Jitter=false by default")
	}
}

// A zero budget means no retries and a negative budget means unlimited,
// so Retry must not normalize either away.
func TestRetry_BudgetSignIsPreserved(t *testing.T) {
	p := Retry(0).Policy()
	if p.Max != 0 {
		t.Fatalf("expected Max=0 for Retry(0), got %d", p.Max)
	}
	if p.Allowed(0) {
		t.Fatalf("expected Retry(0) to allow no retries")
	}

	p = Retry(-1).Policy()
	if p.Max != -1 {
		t.Fatalf("expected Max=-1 for Retry(-1), got %d", p.Max)
	}
	if !p.Allowed(1 << 20) {
		t.Fatalf("expected a negative budget to allow unlimited retries")
	}
}

// Ensure WithBackoff wires both fields and clamps negatives to zero.
func TestRetry_WithBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	p := Retry(3).WithBackoff(base, max).Policy()
	if p.Base != base {
		t.Fatalf("expected Base=%v, got %v", base, p.Base)
	}
	if p.MaxDelay != max {
		t.Fatalf("expected MaxDelay=%v, got %v", max, p.MaxDelay)
	}

	p = Retry(3).WithBackoff(-time.Second, -time.Second).Policy()
	if p.Base != 0 {
		t.Fatalf("expected negative base to clamp to 0, got %v", p.Base)
	}
	if p.MaxDelay != 0 {
		t.Fatalf("expected negative ceiling to clamp to 0, got %v", p.MaxDelay)
	}
}

func TestRetry_WithJitter(t *testing.T) {
	p := Retry(2).WithJitter().Policy()
	if !p.Jitter {
		t.Fatalf("expected Jitter=true after WithJitter")
	}
}

// Ensure Immediate clears all delay fields without changing the budget.
func TestRetry_ImmediateClearsDelays(t *testing.T) {
	p := Retry(7).
		WithBackoff(100*time.Millisecond, 5*time.Second).
		WithJitter().
		Immediate().
		Policy()

	if p.Max != 7 {
		t.Fatalf("expected Max=7, got %d", p.Max)
	}
	if p.Base != 0 {
		t.Fatalf("expected Base=0 after Immediate, got %v", p.Base)
	}
	if p.MaxDelay != 0 {
		t.Fatalf("expected MaxDelay=0 after Immediate, got %v", p.MaxDelay)
	}
	if p.Jitter {
		t.Fatalf("expected Jitter=false after Immediate")
	}
}

// The default schedule doubles from one second and caps at one minute.
func TestRetry_DefaultDelaySchedule(t *testing.T) {
	p := Retry(-1).Policy()

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{10, time.Minute},
	}
	for _, c := range cases {
		if got := p.NextDelay(c.retries); got != c.want {
			t.Fatalf("expected delay %v before retry %d, got %v", c.want, c.retries, got)
		}
	}
}

// Builder values are independent: deriving a new builder must not mutate
// the one it came from.
func TestRetry_BuilderIsValue(t *testing.T) {
	base := Retry(3)
	tuned := base.WithBackoff(time.Millisecond, time.Second)

	if p := base.Policy(); p.Base != time.Second {
		t.Fatalf("expected original builder untouched, got Base=%v", p.Base)
	}
	if p := tuned.Policy(); p.Base != time.Millisecond {
		t.Fatalf("expected derived builder Base=1ms, got %v", p.Base)
	}
}
