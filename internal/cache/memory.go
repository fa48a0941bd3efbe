package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foodfast/realtime/internal/fanout"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore is a process-local last-value store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[fanout.Topic]entry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[fanout.Topic]entry),
		now:     time.Now,
	}
}

// Put stores a copy of data for topic until ttl elapses.
func (s *MemoryStore) Put(_ context.Context, topic fanout.Topic, data []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: put %s: non-positive ttl %s", topic, ttl)
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.entries[topic] = entry{data: buf, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// Get returns the value for topic if present and unexpired.
func (s *MemoryStore) Get(_ context.Context, topic fanout.Topic) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[topic]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[topic]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(s.entries, topic)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.data, true, nil
}
