package credential

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Credential{}}
}

// Load returns the tenant's credential, or ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, tenantID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.items[strings.TrimSpace(tenantID)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cloneCredential(cred), nil
}

// Save stores the credential and bumps its revision.
func (s *MemoryStore) Save(ctx context.Context, cred Credential) (Credential, error) {
	tenantID := strings.TrimSpace(cred.TenantID)
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, ok := s.items[tenantID]
	revision := int64(1)
	if ok {
		revision = previous.Revision + 1
	}
	stored := Credential{
		TenantID:  tenantID,
		Data:      append([]byte(nil), cred.Data...),
		Revision:  revision,
		UpdatedAt: time.Now().UTC(),
	}
	s.items[tenantID] = stored
	return cloneCredential(stored), nil
}

// Delete removes the tenant's credential.
func (s *MemoryStore) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, strings.TrimSpace(tenantID))
	return nil
}

func cloneCredential(cred Credential) Credential {
	cred.Data = append([]byte(nil), cred.Data...)
	return cred
}
