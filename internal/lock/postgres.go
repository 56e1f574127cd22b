package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresManager implements Manager on the dataset_locks table. The table
// is created by the registry schema; the pool is shared with the registry.
type PostgresManager struct {
	pool *pgxpool.Pool
}

// NewPostgresManager creates a lock manager over an existing pool.
func NewPostgresManager(pool *pgxpool.Pool) *PostgresManager {
	return &PostgresManager{pool: pool}
}

// Acquire inserts the lock row, or steals it when the current holder's lease
// has expired. The single conditional statement is what makes two concurrent
// acquires for the same dataset resolve to exactly one winner.
func (m *PostgresManager) Acquire(ctx context.Context, datasetID, ownerToken string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO dataset_locks (dataset_id, owner_token, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (dataset_id) DO UPDATE
			SET owner_token = EXCLUDED.owner_token,
			    expires_at  = EXCLUDED.expires_at
			WHERE dataset_locks.expires_at < NOW()
			   OR dataset_locks.owner_token = EXCLUDED.owner_token
	`

	tag, err := m.pool.Exec(ctx, query, datasetID, ownerToken, ttl.String())
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", datasetID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock only when this token still holds it.
func (m *PostgresManager) Release(ctx context.Context, datasetID, ownerToken string) error {
	query := `DELETE FROM dataset_locks WHERE dataset_id = $1 AND owner_token = $2`
	if _, err := m.pool.Exec(ctx, query, datasetID, ownerToken); err != nil {
		return fmt.Errorf("release lock for %s: %w", datasetID, err)
	}
	return nil
}

// Close is a no-op; the shared pool is closed by its owner.
func (m *PostgresManager) Close() error { return nil }
