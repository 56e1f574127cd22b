// Package archive persists computed deltas as parquet files plus a JSON
// manifest, giving each published delta a durable, replayable copy in
// object storage.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
)

// ErrArchiveExists is returned when the target delta directory already
// holds a manifest. Archives are immutable once written.
var ErrArchiveExists = errors.New("archive already exists")

// Ref describes one archived delta location.
type Ref struct {
	DatasetID  string // "tenant/table"
	VersionOld string // empty for a full load
	VersionNew string
}

// kind distinguishes full loads from diffs in the path layout.
func (r Ref) kind() string {
	if r.VersionOld == "" {
		return "full"
	}
	return "diff"
}

// Path returns the storage key for the delta's parquet file.
func (r Ref) Path(prefix string) string {
	return fmt.Sprintf("%s%s/%s/version=%s/delta-%s.parquet",
		prefix, r.DatasetID, r.kind(), r.VersionNew, r.VersionNew)
}

// ManifestPath returns the storage key for the delta's manifest.
func (r Ref) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s/version=%s/_manifest.json",
		prefix, r.DatasetID, r.kind(), r.VersionNew)
}

// Manifest describes one archived delta.
type Manifest struct {
	Dataset   DatasetInfo  `json:"dataset"`
	File      FileInfo     `json:"file"`
	Producer  ProducerInfo `json:"producer"`
	CreatedAt time.Time    `json:"created_at"`
}

// DatasetInfo identifies the delta's versions.
type DatasetInfo struct {
	DatasetID  string `json:"dataset_id"`
	VersionOld string `json:"version_old,omitempty"`
	VersionNew string `json:"version_new"`
	Kind       string `json:"kind"` // "full" | "diff"
}

// FileInfo describes the parquet payload.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	Inserts  int64  `json:"inserts"`
	Updates  int64  `json:"updates"`
	Deletes  int64  `json:"deletes"`
}

// ProducerInfo describes the software that wrote the archive.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// Checksum computes a sha256-prefixed checksum for the given data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Config configures the archive storage backend.
type Config struct {
	Backend  string // "local" | "gcs" | "s3"
	Bucket   string
	LocalDir string
	Prefix   string

	S3Endpoint string
	S3Region   string
}

// Store writes delta archives to a gocloud blob bucket.
type Store struct {
	bucket *blob.Bucket
	prefix string
}

// NewStore opens the configured backend.
func NewStore(cfg Config) (*Store, error) {
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
		return nil, fmt.Errorf("unknown archive backend: %q", cfg.Backend)
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open archive bucket: %w", err)
	}
	return &Store{bucket: bucket, prefix: cfg.Prefix}, nil
}

// Exists reports whether the delta already has a manifest. The manifest
// is written last, so its presence means the archive is complete.
func (s *Store) Exists(ctx context.Context, ref Ref) (bool, error) {
	exists, err := s.bucket.Exists(ctx, ref.ManifestPath(s.prefix))
	if err != nil {
		return false, fmt.Errorf("check archive %s: %w", ref.ManifestPath(s.prefix), err)
	}
	return exists, nil
}

// WriteParquet writes the delta's parquet bytes.
func (s *Store) WriteParquet(ctx context.Context, ref Ref, data []byte) error {
	key := ref.Path(s.prefix)
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write parquet %s: %w", key, err)
	}
	return nil
}

// WriteManifest writes the delta's manifest. Call after WriteParquet so
// a present manifest implies a complete archive.
func (s *Store) WriteManifest(ctx context.Context, ref Ref, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := ref.ManifestPath(s.prefix)
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write manifest %s: %w", key, err)
	}
	return nil
}

// ReadManifest loads and decodes a previously written manifest.
func (s *Store) ReadManifest(ctx context.Context, ref Ref) (*Manifest, error) {
	data, err := s.bucket.ReadAll(ctx, ref.ManifestPath(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", ref.ManifestPath(s.prefix), err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", ref.ManifestPath(s.prefix), err)
	}
	return &m, nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}
