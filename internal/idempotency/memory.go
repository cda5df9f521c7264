package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps markers in process memory. Expired markers are replaced
// on the next claim and pruned as the map grows.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[string]time.Time
	now     func() time.Time
	nextGC  int
}

// NewMemoryStore creates a store. now may be nil to use the wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		markers: make(map[string]time.Time),
		now:     now,
		nextGC:  1024,
	}
}

// PutIfAbsent claims key for ttl unless an unexpired marker holds it.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.markers[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.markers[key] = now.Add(ttl)

	if len(s.markers) >= s.nextGC {
		for k, exp := range s.markers {
			if !now.Before(exp) {
				delete(s.markers, k)
			}
		}
		s.nextGC = max(1024, 2*len(s.markers))
	}
	return true, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.markers, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of markers held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}
