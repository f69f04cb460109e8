package dedupe

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is the single-process Store used when Redis is not configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, scope, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.evict(now)
	k := scope + ":" + key
	if entry, ok := s.entries[k]; ok {
		return entry.record, false, nil
	}
	record := Record{State: StatePending, CreatedAt: now.UTC()}
	s.entries[k] = memoryEntry{record: record, expiresAt: now.Add(s.ttl)}
	return record, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, key string, status int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[scope+":"+key] = memoryEntry{
		record:    Record{State: StateDone, Status: status, Body: append([]byte(nil), body...), CreatedAt: now.UTC()},
		expiresAt: now.Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, scope+":"+key)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) evict(now time.Time) {
	for k, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, k)
		}
	}
}
