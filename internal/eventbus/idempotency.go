package eventbus

import (
	"context"
	"sync"
	"time"
)

// IdempotencyStore remembers which event IDs a service has already handled,
// so redeliveries can be acked without re-running the handler.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
}

const defaultIdempotencyCapacity = 10_000

// MemoryIdempotencyStore keeps processed IDs in memory with a bounded
// capacity. When full it evicts the oldest inserted ID, first in first out;
// marking an already-known ID does not refresh its position.
type MemoryIdempotencyStore struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]time.Time
	order    []string
}

func NewMemoryIdempotencyStore(capacity int) *MemoryIdempotencyStore {
	if capacity <= 0 {
		capacity = defaultIdempotencyCapacity
	}
	return &MemoryIdempotencyStore{
		capacity: capacity,
		seen:     make(map[string]time.Time, capacity),
	}
}

func (s *MemoryIdempotencyStore) IsProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[eventID]
	return ok, nil
}

func (s *MemoryIdempotencyStore) MarkProcessed(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[eventID]; ok {
		return nil
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.seen[eventID] = time.Now().UTC()
	s.order = append(s.order, eventID)
	return nil
}

// Len reports how many IDs the store currently tracks.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
