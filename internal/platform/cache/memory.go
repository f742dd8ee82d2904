package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryEntry holds a stored value and its expiration time.
type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a thread-safe in-memory Store with lazy expiration. It is
// used in tests and in development deployments without a Redis backend.
type MemoryStore struct {
	entries map[string]*memoryEntry
	mu      sync.RWMutex

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

// Get retrieves a value. Performs lazy expiration: deletes the entry and
// reports a miss if it has expired.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	return e.data, nil
}

// Set stores a value with a TTL.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = &memoryEntry{
		data:      value,
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()
	return nil
}

// DeletePrefix removes all keys starting with prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of live entries (expired entries may still be
// counted until a Get touches them).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
