package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// DeadLetter is one change record the applier gave up on, with enough
// context to replay it by hand.
type DeadLetter struct {
	PartitionKey string          `json:"partition_key"`
	Payload      json.RawMessage `json:"payload"`
	Reason       string          `json:"reason"`
	Attempts     int             `json:"attempts"`
	FailedAt     time.Time       `json:"failed_at"`
}

// Sink receives dead-lettered records.
type Sink interface {
	Emit(ctx context.Context, dl DeadLetter) error
	Close() error
}

// NoopSink discards dead letters and only logs them.
type NoopSink struct{}

func (NoopSink) Emit(ctx context.Context, dl DeadLetter) error {
	slog.Warn("dead letter discarded, no sink configured",
		"partition_key", dl.PartitionKey, "reason", dl.Reason)
	return nil
}

func (NoopSink) Close() error { return nil }

// BlobSink writes dead letters as JSON objects into a blob bucket, one
// object per record under prefix/partitionKey/.
type BlobSink struct {
	bucket *blob.Bucket
	prefix string
}

// NewBlobSink wraps an open bucket. The caller keeps ownership of the
// bucket only until Close.
func NewBlobSink(bucket *blob.Bucket, prefix string) *BlobSink {
	return &BlobSink{bucket: bucket, prefix: prefix}
}

// Emit writes one dead letter. The key embeds the failure time and a
// random suffix so concurrent failures never collide.
func (s *BlobSink) Emit(ctx context.Context, dl DeadLetter) error {
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	key := fmt.Sprintf("%s%s/%s-%s.json",
		s.prefix, dl.PartitionKey,
		dl.FailedAt.UTC().Format("20060102T150405.000"),
		uuid.NewString()[:8])

	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write dead letter %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket.
func (s *BlobSink) Close() error {
	return s.bucket.Close()
}

// SinkConfig configures the dead-letter backend.
type SinkConfig struct {
	Backend  string // "local" | "gcs" | "s3"
	Bucket   string
	LocalDir string
	Prefix   string

	S3Endpoint string
	S3Region   string
}

// NewSink opens the configured dead-letter backend. An empty backend
// yields the noop sink.
func NewSink(cfg SinkConfig) (Sink, error) {
	ctx := context.Background()

	var url string
	switch cfg.Backend {
	case "":
		return NoopSink{}, nil
	case "local":
		url = fmt.Sprintf("file://%s?create_dir=true", cfg.LocalDir)
	case "gcs":
		url = fmt.Sprintf("gs://%s", cfg.Bucket)
	case "s3":
		url = fmt.Sprintf("s3://%s?region=%s", cfg.Bucket, cfg.S3Region)
		if cfg.S3Endpoint != "" {
			url += fmt.Sprintf("&endpoint=%s&s3ForcePathStyle=true", cfg.S3Endpoint)
		}
	default:
		return nil, fmt.Errorf("unknown dead-letter backend: %q", cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter bucket: %w", err)
	}
	return NewBlobSink(bucket, cfg.Prefix), nil
}
