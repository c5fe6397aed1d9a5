package queue

import (
	"context"
	"sync"
	"time"

	"github.com/sevans717/aphila-sub008/pkg/types"
)

type userQueue struct {
	mu    sync.Mutex
	items []types.Envelope
}

// MemoryStore keeps queues in process memory with one lock per user
type MemoryStore struct {
	mu     sync.RWMutex
	queues map[string]*userQueue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{queues: make(map[string]*userQueue)}
}

func (s *MemoryStore) get(userID string, create bool) *userQueue {
	s.mu.RLock()
	q := s.queues[userID]
	s.mu.RUnlock()
	if q != nil || !create {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q = s.queues[userID]; q == nil {
		q = &userQueue{}
		s.queues[userID] = q
	}
	return q
}

func (s *MemoryStore) Append(_ context.Context, userID string, env types.Envelope, capacity int) (int, error) {
	q := s.get(userID, true)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, env)
	evicted := 0
	if over := len(q.items) - capacity; over > 0 {
		evicted = over
		q.items = append([]types.Envelope(nil), q.items[over:]...)
	}
	return evicted, nil
}

func (s *MemoryStore) Prepend(_ context.Context, userID string, envs []types.Envelope, capacity int) (int, error) {
	if len(envs) == 0 {
		return 0, nil
	}
	q := s.get(userID, true)
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]types.Envelope, 0, len(envs)+len(q.items))
	merged = append(merged, envs...)
	merged = append(merged, q.items...)

	// Drop-oldest: the front of the merged queue is the oldest
	evicted := 0
	if over := len(merged) - capacity; over > 0 {
		evicted = over
		merged = merged[over:]
	}
	q.items = merged
	return evicted, nil
}

func (s *MemoryStore) Take(_ context.Context, userID string) ([]types.Envelope, error) {
	q := s.get(userID, false)
	if q == nil {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items, nil
}

func (s *MemoryStore) List(_ context.Context, userID string) ([]types.Envelope, error) {
	q := s.get(userID, false)
	if q == nil {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]types.Envelope(nil), q.items...), nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) (int, error) {
	q := s.get(userID, false)
	if q == nil {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = nil
	return n, nil
}

func (s *MemoryStore) Len(_ context.Context, userID string) (int, error) {
	q := s.get(userID, false)
	if q == nil {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (s *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	queues := make([]*userQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	pruned := 0
	for _, q := range queues {
		q.mu.Lock()
		kept := q.items[:0]
		for _, env := range q.items {
			if env.CreatedAt.Before(cutoff) {
				pruned++
				continue
			}
			kept = append(kept, env)
		}
		q.items = kept
		q.mu.Unlock()
	}
	return pruned, nil
}
