package guard

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TraceStore keeps the recent successful calls of each session. Idle
// sessions expire; the oldest sessions are evicted beyond maxSessions.
type TraceStore struct {
	mu         sync.Mutex
	sessions   *expirable.LRU[string, *sessionTrace]
	maxEntries int
}

type sessionTrace struct {
	mu      sync.Mutex
	entries []TraceEntry
}

// NewTraceStore creates a store. maxEntries bounds each session's trace.
func NewTraceStore(maxSessions, maxEntries int, ttl time.Duration) *TraceStore {
	if maxSessions <= 0 {
		maxSessions = 10_000
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &TraceStore{
		sessions:   expirable.NewLRU[string, *sessionTrace](maxSessions, nil, ttl),
		maxEntries: maxEntries,
	}
}

// Append records entry for sessionID, dropping the oldest entry when full.
func (s *TraceStore) Append(sessionID string, entry TraceEntry) {
	s.mu.Lock()
	st, ok := s.sessions.Get(sessionID)
	if !ok {
		st = &sessionTrace{}
	}
	// Add refreshes the idle deadline.
	s.sessions.Add(sessionID, st)
	s.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.entries) >= s.maxEntries {
		st.entries = append(st.entries[:0], st.entries[1:]...)
	}
	st.entries = append(st.entries, entry)
}

// Snapshot returns a copy of the session's trace, oldest first.
func (s *TraceStore) Snapshot(sessionID string) []TraceEntry {
	st, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]TraceEntry(nil), st.entries...)
}

// Forget drops a session's trace.
func (s *TraceStore) Forget(sessionID string) {
	s.sessions.Remove(sessionID)
}
