// Package lock provides the per-dataset mutual-exclusion primitive that
// serializes delta workflows targeting the same dataset. Locks carry a TTL:
// a lock older than its TTL is dead and acquirable by anyone, which bounds
// the damage of a holder crashing before release.
package lock

import (
	"context"
	"time"
)

// Manager acquires and releases dataset locks. Implementations must use
// conditional (compare-and-swap style) writes; a plain read-then-write
// acquire would race.
type Manager interface {
	// Acquire attempts a conditional create of a live lock for datasetID.
	// Returns true if ownerToken now holds the lock, false if another live
	// holder exists. An expired lock is taken over without a prior release.
	Acquire(ctx context.Context, datasetID, ownerToken string, ttl time.Duration) (bool, error)

	// Release deletes the (datasetID, ownerToken) lock. Idempotent, and safe
	// to call even when Acquire never returned true for this token.
	Release(ctx context.Context, datasetID, ownerToken string) error

	// Close releases any resources.
	Close() error
}
