// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means never
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. Expired keys are dropped lazily on
// access and by Purge.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock is used by tests to control expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookupLocked returns a live entry, deleting it if it has expired.
func (s *MemoryStore) lookupLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: s.deadline(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(key); ok {
		return false, nil
	}
	s.entries[key] = memEntry{value: append([]byte(nil), value...), expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Purge drops every expired key and returns how many were removed.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len counts live keys.
func (s *MemoryStore) Len() int {
	s.Purge()
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
