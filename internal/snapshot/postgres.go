package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS relay_snapshots (
	document_id TEXT PRIMARY KEY,
	snapshot_data BYTEA NOT NULL,
	save_count INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps snapshots in the relay_snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to url and creates the table if needed.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		"SELECT snapshot_data FROM relay_snapshots WHERE document_id = $1",
		documentID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *PostgresStore) Save(ctx context.Context, documentID string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_snapshots (document_id, snapshot_data)
		VALUES ($1, $2)
		ON CONFLICT (document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			save_count = relay_snapshots.save_count + 1,
			updated_at = now()
	`, documentID, data)
	return err
}

func (s *PostgresStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	var count, saves int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(save_count), 0) FROM relay_snapshots",
	).Scan(&count, &saves)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"document_count": count,
		"save_count":     saves,
	}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
