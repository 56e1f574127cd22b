// Package registry is the durable ledger of dataset versions and their
// processing outcome.
package registry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateVersion is returned when a (dataset, version) pair is
	// registered a second time.
	ErrDuplicateVersion = errors.New("version already registered")

	// ErrVersionNotFound is returned when a version record does not exist.
	ErrVersionNotFound = errors.New("version not found")
)

// Status is the processing outcome of one registered version.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
	StatusOutOfOrder Status = "OUT_OF_ORDER"
	StatusNone       Status = "NONE"
)

// VersionRecord describes one immutable snapshot upload for a dataset.
// Everything but Status is fixed at registration time. Seq is assigned by
// the registry and orders versions by registration recency.
type VersionRecord struct {
	DatasetID    string
	Version      string
	StorageKey   string
	Path         string
	FileName     string
	SizeBytes    int64
	ContentHash  string
	Status       Status
	Seq          int64
	RegisteredAt time.Time
}

// Registry stores version records. Register and MarkOutcome use conditional
// writes; plain read-then-write is never safe here.
type Registry interface {
	// Register inserts a record exactly once. A second registration for the
	// same (dataset, version) returns ErrDuplicateVersion.
	Register(ctx context.Context, rec VersionRecord) error

	// Get returns the record for (dataset, version), or ErrVersionNotFound.
	Get(ctx context.Context, datasetID, version string) (*VersionRecord, error)

	// LatestSucceeded returns the most recently registered SUCCEEDED version
	// other than excluding, ties broken by version value descending.
	// Returns (nil, nil) when no prior successful version exists.
	LatestSucceeded(ctx context.Context, datasetID, excluding string) (*VersionRecord, error)

	// MarkOutcome sets the processing status for a version. Idempotent.
	MarkOutcome(ctx context.Context, datasetID, version string, status Status) error

	// Close releases any resources.
	Close() error
}
