package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory Registry for local mode and tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]*VersionRecord // key: datasetID + "\x00" + version
	nextSeq int64
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]*VersionRecord)}
}

func recordKey(datasetID, version string) string {
	return datasetID + "\x00" + version
}

// Register inserts a record exactly once.
func (r *MemoryRegistry) Register(_ context.Context, rec VersionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey(rec.DatasetID, rec.Version)
	if _, ok := r.records[key]; ok {
		return ErrDuplicateVersion
	}

	r.nextSeq++
	stored := rec
	stored.Seq = r.nextSeq
	if stored.Status == "" {
		stored.Status = StatusPending
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	r.records[key] = &stored
	return nil
}

// Get returns the record for (dataset, version).
func (r *MemoryRegistry) Get(_ context.Context, datasetID, version string) (*VersionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[recordKey(datasetID, version)]
	if !ok {
		return nil, ErrVersionNotFound
	}
	out := *rec
	return &out, nil
}

// LatestSucceeded returns the most recently registered SUCCEEDED version
// other than excluding.
func (r *MemoryRegistry) LatestSucceeded(_ context.Context, datasetID, excluding string) (*VersionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *VersionRecord
	for _, rec := range r.records {
		if rec.DatasetID != datasetID || rec.Version == excluding || rec.Status != StatusSucceeded {
			continue
		}
		if best == nil || rec.Seq > best.Seq ||
			(rec.Seq == best.Seq && rec.Version > best.Version) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

// MarkOutcome sets the processing status for a version.
func (r *MemoryRegistry) MarkOutcome(_ context.Context, datasetID, version string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[recordKey(datasetID, version)]
	if !ok {
		return ErrVersionNotFound
	}
	rec.Status = status
	return nil
}

// Close is a no-op for the in-memory registry.
func (r *MemoryRegistry) Close() error { return nil }
