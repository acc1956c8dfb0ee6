package dispatch

import (
	"container/heap"
	"time"
)

// A wakeup is one scheduled revisit of a tracked request: a future ETA
// becoming due, or a rate-limited task becoming admissible again.
type wakeup struct {
	at  time.Time
	id  string
	seq uint64
}

type wakeupQueue []wakeup

func (q wakeupQueue) Len() int { return len(q) }

func (q wakeupQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}

func (q wakeupQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *wakeupQueue) Push(x any) { *q = append(*q, x.(wakeup)) }

func (q *wakeupQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	*q = old[:n-1]
	return w
}

// schedule is a time-ordered queue of wakeups. Entries are never removed
// early; a wakeup whose request has since resolved is skipped when popped.
type schedule struct {
	q   wakeupQueue
	seq uint64
}

func newSchedule() *schedule {
	return &schedule{}
}

func (s *schedule) add(at time.Time, id string) {
	s.seq++
	heap.Push(&s.q, wakeup{at: at, id: id, seq: s.seq})
}

// next returns the earliest pending wakeup time.
func (s *schedule) next() (time.Time, bool) {
	if len(s.q) == 0 {
		return time.Time{}, false
	}
	return s.q[0].at, true
}

// pop removes and returns the id of the earliest wakeup due at now.
func (s *schedule) pop(now time.Time) (string, bool) {
	if len(s.q) == 0 || now.Before(s.q[0].at) {
		return "", false
	}
	w := heap.Pop(&s.q).(wakeup)
	return w.id, true
}

func (s *schedule) len() int { return len(s.q) }
