// Package applier consumes the change stream and applies records to a
// target store, one serialized worker per partition.
package applier

import (
	"context"
	"sync"
)

// TargetStore is the destination the applier writes into. Upsert and
// Delete must be idempotent: the applier re-applies records when a batch
// is bisected after a failure.
type TargetStore interface {
	Upsert(ctx context.Context, datasetID, key string, columns map[string]string) error
	Delete(ctx context.Context, datasetID, key string) error
	Close() error
}

// MemoryTarget is an in-memory target store for local mode and tests.
type MemoryTarget struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]string // datasetID -> key -> columns
}

// NewMemoryTarget creates an empty in-memory target.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{
		data: make(map[string]map[string]map[string]string),
	}
}

// Upsert stores the row, replacing any existing columns.
func (t *MemoryTarget) Upsert(ctx context.Context, datasetID, key string, columns map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, ok := t.data[datasetID]
	if !ok {
		rows = make(map[string]map[string]string)
		t.data[datasetID] = rows
	}

	copied := make(map[string]string, len(columns))
	for k, v := range columns {
		copied[k] = v
	}
	rows[key] = copied
	return nil
}

// Delete removes the row. Deleting a missing row is not an error.
func (t *MemoryTarget) Delete(ctx context.Context, datasetID, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rows, ok := t.data[datasetID]; ok {
		delete(rows, key)
	}
	return nil
}

// Get returns the row's columns and whether it exists.
func (t *MemoryTarget) Get(datasetID, key string) (map[string]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rows, ok := t.data[datasetID]
	if !ok {
		return nil, false
	}
	columns, ok := rows[key]
	if !ok {
		return nil, false
	}
	copied := make(map[string]string, len(columns))
	for k, v := range columns {
		copied[k] = v
	}
	return copied, true
}

// Len returns the number of rows stored for a dataset.
func (t *MemoryTarget) Len(datasetID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.data[datasetID])
}

// Close is a no-op.
func (t *MemoryTarget) Close() error {
	return nil
}
