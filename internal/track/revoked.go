package track

// RevokedSet remembers revoked request ids so that revokes arriving
// before their request still take effect at decode time. It is bounded:
// once cap ids are held, remembering a new id evicts the oldest. A
// revoke lost to eviction only matters for requests that stay undelivered
// longer than cap other revokes, which is an acceptable trade for a
// worker that never grows without bound.
type RevokedSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
	head  int
}

// DefaultRevokedCap bounds the revoked-id memory when no cap is given.
const DefaultRevokedCap = 10000

// NewRevokedSet returns a set bounded to capacity ids. Non-positive
// capacity uses DefaultRevokedCap.
func NewRevokedSet(capacity int) *RevokedSet {
	if capacity <= 0 {
		capacity = DefaultRevokedCap
	}
	return &RevokedSet{
		cap: capacity,
		ids: make(map[string]struct{}),
	}
}

// Add remembers id, evicting the oldest entry when full.
func (s *RevokedSet) Add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order)-s.head >= s.cap {
		oldest := s.order[s.head]
		delete(s.ids, oldest)
		s.order[s.head] = ""
		s.head++
		// Compact once the dead prefix dominates.
		if s.head > s.cap {
			s.order = append([]string(nil), s.order[s.head:]...)
			s.head = 0
		}
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Contains reports whether id was revoked. Ids stay remembered after the
// revoke is applied so that broker redeliveries of the same request are
// also refused, until eviction.
func (s *RevokedSet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of remembered ids.
func (s *RevokedSet) Len() int { return len(s.ids) }
