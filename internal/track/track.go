// Package track holds the dispatcher's bookkeeping: the in-flight request
// table and the bounded memory of revoked request ids.
//
// Nothing in this package locks. Both structures are owned by the single
// dispatch goroutine; sharing them anywhere else is a bug.
package track

import (
	"time"

	"github.com/phietala/belt/pkg/api"
)

// State is the dispatch lifecycle position of a tracked request.
type State int

const (
	// StateReceived: decoded and matched to a definition, not yet
	// eligible to run (future ETA, or waiting on gates).
	StateReceived State = iota + 1

	// StateEligible: due and waiting for a rate token or pool slot.
	StateEligible

	// StateDispatched: handed to a pool slot; awaiting its outcome.
	StateDispatched

	// StateAcked: terminal, delivery acknowledged.
	StateAcked

	// StateRetryScheduled: terminal for this delivery; a successor with an
	// increased retry count has been scheduled.
	StateRetryScheduled

	// StateRejected: terminal, delivery rejected.
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateEligible:
		return "ELIGIBLE"
	case StateDispatched:
		return "DISPATCHED"
	case StateAcked:
		return "ACKED"
	case StateRetryScheduled:
		return "RETRY_SCHEDULED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the delivery has been resolved.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateRetryScheduled || s == StateRejected
}

// Entry is one tracked request.
type Entry struct {
	Req *api.Request
	Def *api.TaskDefinition

	State        State
	ReceivedAt   time.Time
	DispatchedAt time.Time

	// HardDeadline is when the hard time limit expires for the running
	// attempt. Zero means no hard limit.
	HardDeadline time.Time

	// Acked records that an early-ack was already sent, so the terminal
	// transition must not ack again.
	Acked bool
}

// Table indexes live entries by request id.
type Table struct {
	entries map[string]*Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Put inserts or replaces the entry for its request id.
func (t *Table) Put(e *Entry) {
	t.entries[e.Req.ID] = e
}

// Get returns the entry for id.
func (t *Table) Get(id string) (*Entry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// Delete removes id from the table.
func (t *Table) Delete(id string) {
	delete(t.entries, id)
}

// Live reports whether id is tracked and not yet terminal. Duplicate
// deliveries of live ids must not be double-executed.
func (t *Table) Live(id string) bool {
	e, ok := t.entries[id]
	return ok && !e.State.Terminal()
}

// Len returns the number of tracked entries.
func (t *Table) Len() int { return len(t.entries) }

// Each calls fn for every entry until fn returns false.
func (t *Table) Each(fn func(*Entry) bool) {
	for _, e := range t.entries {
		if !fn(e) {
			return
		}
	}
}

// DueHardLimits returns dispatched entries whose hard deadline has passed
// at now. The sweep uses it to force-terminate overruns the pool has not
// reported on its own.
func (t *Table) DueHardLimits(now time.Time) []*Entry {
	var due []*Entry
	for _, e := range t.entries {
		if e.State == StateDispatched && !e.HardDeadline.IsZero() && !now.Before(e.HardDeadline) {
			due = append(due, e)
		}
	}
	return due
}

// NextHardDeadline returns the earliest pending hard deadline, if any.
// The dispatch loop folds it into its next timer wait.
func (t *Table) NextHardDeadline() (time.Time, bool) {
	var min time.Time
	for _, e := range t.entries {
		if e.State != StateDispatched || e.HardDeadline.IsZero() {
			continue
		}
		if min.IsZero() || e.HardDeadline.Before(min) {
			min = e.HardDeadline
		}
	}
	return min, !min.IsZero()
}

// CountByState tallies entries per state.
func (t *Table) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, e := range t.entries {
		counts[e.State]++
	}
	return counts
}
