// Package snapshot reads versioned table snapshots from object storage.
// Uploads land under keys shaped tenant/table/version/file; each file is a
// full snapshot of one table at one version.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// ErrSnapshotNotFound is returned when the storage key does not exist.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Row is one table row: the primary key plus the remaining columns.
// Column values are compared individually, never as a joined string.
type Row struct {
	Key     string
	Columns map[string]string
}

// ObjectInfo describes one stored snapshot object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Source loads snapshot rows by storage key.
type Source interface {
	// Load reads and decodes the snapshot at the given storage key.
	Load(ctx context.Context, storageKey string) ([]Row, error)

	// Close releases any resources.
	Close() error
}

// Lister enumerates snapshot objects, used by the upload watcher.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Config configures the snapshot source backend.
type Config struct {
	Backend  string // "local" | "gcs" | "s3"
	Bucket   string
	LocalDir string
	Prefix   string

	S3Endpoint string
	S3Region   string
}

// BlobSource reads snapshots from a gocloud blob bucket.
type BlobSource struct {
	bucket  *blob.Bucket
	prefix  string
	decoder *Decoder
}

// NewSource opens the configured backend.
func NewSource(cfg Config) (*BlobSource, error) {
	ctx := context.Background()

	var url string
	switch cfg.Backend {
	case "local", "":
		url = fmt.Sprintf("file://%s?create_dir=true", cfg.LocalDir)
	case "gcs":
		url = fmt.Sprintf("gs://%s", cfg.Bucket)
	case "s3":
		url = fmt.Sprintf("s3://%s?region=%s", cfg.Bucket, cfg.S3Region)
		if cfg.S3Endpoint != "" {
			url += fmt.Sprintf("&endpoint=%s&s3ForcePathStyle=true", cfg.S3Endpoint)
		}
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %q", cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open snapshot bucket: %w", err)
	}

	dec, err := NewDecoder()
	if err != nil {
		bucket.Close()
		return nil, err
	}

	return &BlobSource{bucket: bucket, prefix: cfg.Prefix, decoder: dec}, nil
}

// Load reads and decodes the snapshot at the given storage key.
func (s *BlobSource) Load(ctx context.Context, storageKey string) ([]Row, error) {
	key := s.prefix + storageKey

	format, err := DetectFormat(key)
	if err != nil {
		return nil, err
	}

	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check snapshot %s: %w", key, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, storageKey)
	}

	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", key, err)
	}

	rows, err := s.decoder.Decode(data, format)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", storageKey, err)
	}
	return rows, nil
}

// List enumerates objects under the given prefix (relative to the source
// prefix).
func (s *BlobSource) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{
			Key:     obj.Key[len(s.prefix):],
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}
	return out, nil
}

// Close releases the bucket and decoder.
func (s *BlobSource) Close() error {
	s.decoder.Close()
	return s.bucket.Close()
}
