package stream

import (
	"context"
	"sync"
)

// MemoryStream is an in-process stream for local mode and tests. It is both
// the Publisher and the Consumer; a single FIFO preserves per-partition
// publish order.
type MemoryStream struct {
	mu     sync.Mutex
	ch     chan Record
	closed bool
}

// NewMemoryStream creates a stream with the given buffer capacity.
func NewMemoryStream(capacity int) *MemoryStream {
	if capacity < 1 {
		capacity = 1024
	}
	return &MemoryStream{ch: make(chan Record, capacity)}
}

// Publish appends a record to the stream.
func (s *MemoryStream) Publish(ctx context.Context, rec Record) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch blocks until a record is available.
func (s *MemoryStream) Fetch(ctx context.Context) (Record, error) {
	select {
	case rec, ok := <-s.ch:
		if !ok {
			return Record{}, ErrStreamClosed
		}
		return rec, nil
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Commit is a no-op for the in-memory stream.
func (s *MemoryStream) Commit(_ context.Context, _ Record) error { return nil }

// Close stops the stream. Records already buffered remain fetchable.
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
