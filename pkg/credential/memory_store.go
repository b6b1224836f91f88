package credential

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryStore implements in-memory credential storage.
type MemoryStore struct {
	secrets map[uuid.UUID][]byte
	mu      sync.RWMutex
}

// NewMemoryStore creates a new memory-based credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[uuid.UUID][]byte),
	}
}

// Set stores or replaces the secret for id.
func (ms *MemoryStore) Set(id uuid.UUID, secret []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := make([]byte, len(secret))
	copy(cp, secret)
	ms.secrets[id] = cp
	return nil
}

// Get retrieves the secret for id.
func (ms *MemoryStore) Get(id uuid.UUID) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	secret, ok := ms.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return cp, nil
}

// Delete removes the secret for id.
func (ms *MemoryStore) Delete(id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.secrets, id)
	return nil
}

// List returns every registered UUID.
func (ms *MemoryStore) List() ([]uuid.UUID, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(ms.secrets))
	for id := range ms.secrets {
		ids = append(ids, id)
	}
	return ids, nil
}
