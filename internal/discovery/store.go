package discovery

import (
	"sync"
	"time"
)

// Store tracks, per discovery topic, the earliest time that topic may be
// published again. It is safe for concurrent use; [Store.Reserve] performs
// the check and the update under one lock.
//
// Entries are never evicted individually. The key space is bounded by the
// real device population, and [Store.Reset] clears everything when Home
// Assistant asks for a full republish.
type Store struct {
	mu   sync.Mutex
	next map[string]time.Time
	now  func() time.Time
}

// NewStore creates an empty store. If now is nil, [time.Now] is used.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		next: make(map[string]time.Time),
		now:  now,
	}
}

// Reserve reports whether topic may be published now. When it may, the
// next allowed time is moved to now+interval before returning, so the
// caller's publish outcome does not affect the window. When it may not,
// the record is left untouched.
func (s *Store) Reserve(topic string, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if next, ok := s.next[topic]; ok && next.After(now) {
		return false
	}
	s.next[topic] = now.Add(interval)
	return true
}

// NextAllowed returns the recorded next publish time for topic.
func (s *Store) NextAllowed(topic string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.next[topic]
	return t, ok
}

// Len returns the number of tracked discovery topics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.next)
}

// Reset forgets every record so each topic is published on its next
// occurrence. Returns the number of records dropped.
func (s *Store) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.next)
	s.next = make(map[string]time.Time)
	return n
}
