package augment

import (
	"container/list"
	"sync"
	"time"
)

// SessionSet tracks which memory IDs have already been injected into each
// session, so repeated turns do not repeat context. Sessions are evicted LRU
// once maxSessions is exceeded and lazily once idle past the TTL.
//
// Safe for concurrent use.
type SessionSet struct {
	mu          sync.Mutex
	sessions    map[string]*list.Element
	order       *list.List // front = most recently used
	maxSessions int
	ttl         time.Duration
	now         func() time.Time
}

type sessionEntry struct {
	id       string
	ids      map[string]bool
	lastUsed time.Time
}

// NewSessionSet creates a SessionSet holding at most maxSessions sessions,
// each expiring after ttl of inactivity. Non-positive values take the
// defaults (1000 sessions, 1 hour).
func NewSessionSet(maxSessions int, ttl time.Duration) *SessionSet {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionSet{
		sessions:    make(map[string]*list.Element),
		order:       list.New(),
		maxSessions: maxSessions,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Seen reports which of the given memory IDs were already injected into the
// session. An unknown or expired session reports none.
func (s *SessionSet) Seen(sessionID string, ids []string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	entry := s.touchLocked(sessionID, false)
	if entry == nil {
		return seen
	}
	for _, id := range ids {
		if entry.ids[id] {
			seen[id] = true
		}
	}
	return seen
}

// Add records memory IDs as injected into the session, creating the session
// entry if needed.
func (s *SessionSet) Add(sessionID string, ids []string) {
	if sessionID == "" || len(ids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.touchLocked(sessionID, true)
	for _, id := range ids {
		entry.ids[id] = true
	}
	s.evictLocked()
}

// Len returns the number of live sessions.
func (s *SessionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// touchLocked looks up the session, expiring it when past the TTL, and moves
// it to the front. When create is true a missing session is created.
func (s *SessionSet) touchLocked(sessionID string, create bool) *sessionEntry {
	now := s.now()
	if el, ok := s.sessions[sessionID]; ok {
		entry := el.Value.(*sessionEntry)
		if now.Sub(entry.lastUsed) > s.ttl {
			s.order.Remove(el)
			delete(s.sessions, sessionID)
		} else {
			entry.lastUsed = now
			s.order.MoveToFront(el)
			return entry
		}
	}
	if !create {
		return nil
	}
	entry := &sessionEntry{id: sessionID, ids: make(map[string]bool), lastUsed: now}
	s.sessions[sessionID] = s.order.PushFront(entry)
	return entry
}

func (s *SessionSet) evictLocked() {
	for len(s.sessions) > s.maxSessions {
		back := s.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*sessionEntry)
		s.order.Remove(back)
		delete(s.sessions, entry.id)
	}
}
