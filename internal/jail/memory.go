package jail

import (
	"context"
	"sync"
	"time"
)

// pruneThreshold is the number of tracked keys above which AddStrike drops
// expired entries.
const pruneThreshold = 1024

type strikeEntry struct {
	count   int64
	expires time.Time
}

// MemoryStore keeps jail state in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	strikes map[string]strikeEntry
	jailed  map[string]time.Time
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strikes: make(map[string]strikeEntry),
		jailed:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// AddStrike implements Store.
func (s *MemoryStore) AddStrike(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.strikes)+len(s.jailed) > pruneThreshold {
		s.pruneLocked(now)
	}

	e, ok := s.strikes[key]
	if !ok || !now.Before(e.expires) {
		e = strikeEntry{expires: now.Add(window)}
	}
	e.count++
	s.strikes[key] = e
	return e.count, nil
}

// Sentence implements Store.
func (s *MemoryStore) Sentence(_ context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.strikes, key)
	s.jailed[key] = s.now().Add(d)
	return nil
}

// IsJailed implements Store.
func (s *MemoryStore) IsJailed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.jailed[key]
	if !ok {
		return false, nil
	}
	if !s.now().Before(until) {
		delete(s.jailed, key)
		return false, nil
	}
	return true, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for k, e := range s.strikes {
		if !now.Before(e.expires) {
			delete(s.strikes, k)
		}
	}
	for k, until := range s.jailed {
		if !now.Before(until) {
			delete(s.jailed, k)
		}
	}
}
