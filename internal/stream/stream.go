// Package stream carries change records from the publisher to the applier
// on a partitioned, ordered stream. The partition key is the dataset ID, so
// all changes for one dataset arrive in publish order while independent
// datasets flow in parallel.
package stream

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned once the stream has been closed.
var ErrStreamClosed = errors.New("stream closed")

// Record is one stream envelope. The payload is the JSON-encoded change
// record; the partition key is the dataset ID.
type Record struct {
	PartitionKey string `json:"partition_key"`
	Payload      []byte `json:"payload"`

	// origin carries backend bookkeeping (e.g. the Kafka message) used by
	// Commit. Opaque to callers.
	origin any
}

// Publisher appends records to the stream.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Consumer reads records off the stream in arrival order. Fetch blocks
// until a record is available or the context is cancelled; Commit
// acknowledges a record after it has been applied.
type Consumer interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context, rec Record) error
	Close() error
}
