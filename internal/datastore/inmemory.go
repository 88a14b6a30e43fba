package datastore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// InMemory is a bounded in-process store backed by an expiring LRU. Entries
// past the capacity are evicted least recently used first.
type InMemory struct {
	mu         sync.RWMutex
	lru        *expirable.LRU[string, memEntry]
	defaultTTL time.Duration
	closed     bool
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewInMemory creates a store holding at most capacity entries (0 means
// unbounded). defaultTTL applies to Set calls with a zero TTL; zero keeps
// such entries until evicted.
func NewInMemory(capacity int, defaultTTL time.Duration) *InMemory {
	return &InMemory{
		lru:        expirable.NewLRU[string, memEntry](capacity, nil, 0),
		defaultTTL: defaultTTL,
	}
}

func (s *InMemory) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrNotFound
	}
	entry, ok := s.lru.Get(key)
	if !ok || entry.expired() {
		recordOp("memory", "get", ErrNotFound)
		return nil, ErrNotFound
	}
	recordOp("memory", "get", nil)
	// Return a copy to prevent mutation
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (s *InMemory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.lru.Add(key, memEntry{value: cp, expiresAt: expiresAt})
	recordOp("memory", "set", nil)
	return nil
}

func (s *InMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.lru.Remove(key)
	}
	return nil
}

func (s *InMemory) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, nil
	}
	entry, ok := s.lru.Peek(key)
	return ok && !entry.expired(), nil
}

// Len reports the number of entries, including expired ones not yet
// evicted.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.lru.Len()
}

func (s *InMemory) Ping(_ context.Context) error { return nil }

func (s *InMemory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.lru.Purge()
	}
	return nil
}
