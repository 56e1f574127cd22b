package registry

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRegistry implements Registry using PostgreSQL.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry connects to PostgreSQL and ensures the schema exists.
// The returned pool is shared with the Postgres lock manager.
func NewPostgresRegistry(dsn string) (*PostgresRegistry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &PostgresRegistry{pool: pool}, nil
}

// Pool exposes the underlying connection pool for components that share it.
func (r *PostgresRegistry) Pool() *pgxpool.Pool { return r.pool }

// Register inserts a record exactly once. The conditional insert makes
// re-delivery of the same upload notification safe.
func (r *PostgresRegistry) Register(ctx context.Context, rec VersionRecord) error {
	status := rec.Status
	if status == "" {
		status = StatusPending
	}

	query := `
		INSERT INTO dataset_versions
			(dataset_id, version, storage_key, path, file_name, size_bytes, content_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dataset_id, version) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		rec.DatasetID,
		rec.Version,
		rec.StorageKey,
		rec.Path,
		rec.FileName,
		rec.SizeBytes,
		rec.ContentHash,
		string(status),
	)
	if err != nil {
		return fmt.Errorf("register version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateVersion
	}
	return nil
}

// Get returns the record for (dataset, version).
func (r *PostgresRegistry) Get(ctx context.Context, datasetID, version string) (*VersionRecord, error) {
	query := `
		SELECT seq, dataset_id, version, storage_key, path, file_name,
		       size_bytes, content_hash, status, registered_at
		FROM dataset_versions
		WHERE dataset_id = $1 AND version = $2
	`
	rec, err := scanVersion(r.pool.QueryRow(ctx, query, datasetID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	return rec, nil
}

// LatestSucceeded returns the most recently registered SUCCEEDED version
// other than excluding, ties broken by version value descending.
func (r *PostgresRegistry) LatestSucceeded(ctx context.Context, datasetID, excluding string) (*VersionRecord, error) {
	query := `
		SELECT seq, dataset_id, version, storage_key, path, file_name,
		       size_bytes, content_hash, status, registered_at
		FROM dataset_versions
		WHERE dataset_id = $1 AND version <> $2 AND status = 'SUCCEEDED'
		ORDER BY seq DESC, version DESC
		LIMIT 1
	`
	rec, err := scanVersion(r.pool.QueryRow(ctx, query, datasetID, excluding))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest succeeded version: %w", err)
	}
	return rec, nil
}

// MarkOutcome sets the processing status for a version. Idempotent.
func (r *PostgresRegistry) MarkOutcome(ctx context.Context, datasetID, version string, status Status) error {
	query := `
		UPDATE dataset_versions SET status = $3
		WHERE dataset_id = $1 AND version = $2
	`
	tag, err := r.pool.Exec(ctx, query, datasetID, version, string(status))
	if err != nil {
		return fmt.Errorf("mark outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// Close closes the connection pool.
func (r *PostgresRegistry) Close() error {
	r.pool.Close()
	return nil
}

func scanVersion(row pgx.Row) (*VersionRecord, error) {
	var rec VersionRecord
	var status string
	err := row.Scan(
		&rec.Seq,
		&rec.DatasetID,
		&rec.Version,
		&rec.StorageKey,
		&rec.Path,
		&rec.FileName,
		&rec.SizeBytes,
		&rec.ContentHash,
		&status,
		&rec.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return &rec, nil
}
