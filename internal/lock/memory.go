package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryManager is an in-process lock manager for local mode and tests.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]entry
	// now is swappable for expiry tests.
	now func() time.Time
}

type entry struct {
	ownerToken string
	expiresAt  time.Time
}

// NewMemoryManager creates an empty in-memory lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		locks: make(map[string]entry),
		now:   time.Now,
	}
}

// Acquire attempts a conditional create of a live lock for datasetID.
func (m *MemoryManager) Acquire(_ context.Context, datasetID, ownerToken string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[datasetID]; ok {
		live := cur.expiresAt.After(now)
		if live && cur.ownerToken != ownerToken {
			return false, nil
		}
	}

	m.locks[datasetID] = entry{
		ownerToken: ownerToken,
		expiresAt:  now.Add(ttl),
	}
	return true, nil
}

// Release deletes the lock if this token holds it. No-op otherwise.
func (m *MemoryManager) Release(_ context.Context, datasetID, ownerToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.locks[datasetID]; ok && cur.ownerToken == ownerToken {
		delete(m.locks, datasetID)
	}
	return nil
}

// Close is a no-op for the in-memory manager.
func (m *MemoryManager) Close() error { return nil }
