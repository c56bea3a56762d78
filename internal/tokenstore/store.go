// Package tokenstore is the client-side cache of host tokens, keyed by
// session. It lets a host recover authority after a reload without asking
// the server which sessions it owns.
package tokenstore

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("host token not found")

type Entry struct {
	SessionID    string    `json:"sessionId"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastAccessed time.Time `json:"lastAccessed"`
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Store persists one token per session. Get refreshes LastAccessed and never
// returns an expired entry.
type Store interface {
	Save(e Entry) error
	Get(sessionID string) (Entry, error)
	All() ([]Entry, error)
	PurgeExpired() (int, error)
	Close() error
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastAccessed.Equal(entries[j].LastAccessed) {
			return entries[i].SessionID < entries[j].SessionID
		}
		return entries[i].LastAccessed.After(entries[j].LastAccessed)
	})
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]Entry), now: now}
}

func (s *MemoryStore) Save(e Entry) error {
	if e.SessionID == "" || e.Token == "" {
		return errors.New("session id and token are required")
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.SessionID] = e
	return nil
}

func (s *MemoryStore) Get(sessionID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	now := s.now()
	if !ok || e.Expired(now) {
		return Entry{}, ErrNotFound
	}
	e.LastAccessed = now
	s.entries[sessionID] = e
	return e, nil
}

// All returns unexpired entries, most recently used first.
func (s *MemoryStore) All() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) PurgeExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }
