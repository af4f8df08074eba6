package dispatch

import (
	"context"
	"sort"
	"sync"
)

// DeadLetterStore keeps messages the dispatcher gave up on, for
// operator inspection and replay tooling.
type DeadLetterStore interface {
	// Add records a failed message.
	Add(ctx context.Context, msg Message) error
	// List returns the tenant's dead letters, newest first, capped at
	// limit when limit is positive.
	List(ctx context.Context, tenantID string, limit int) ([]Message, error)
}

// MemoryDeadLetterStore keeps dead letters in process memory. Suitable
// for tests and single-node deployments without Postgres.
type MemoryDeadLetterStore struct {
	mu    sync.Mutex
	items map[string][]Message
}

// NewMemoryDeadLetterStore creates an empty in-memory store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{items: map[string][]Message{}}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[msg.TenantID] = append(s.items[msg.TenantID], msg)
	return nil
}

func (s *MemoryDeadLetterStore) List(_ context.Context, tenantID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]Message, len(s.items[tenantID]))
	copy(items, s.items[tenantID])
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
