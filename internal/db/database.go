package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/lattice/relay/internal/snapshot"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Database is the SQLite snapshot store.
type Database struct {
	db  *sql.DB
	log *zap.Logger
}

// Snapshot is the stored row for one document.
type Snapshot struct {
	DocumentID string
	Data       []byte
	SaveCount  int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func New(dbPath string, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info("Database initialized", zap.String("path", dbPath))
	return &Database{db: db, log: log}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		save_count INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_document_snapshots_updated_at ON document_snapshots(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Snapshot operations

// Load returns the snapshot for documentID, or snapshot.ErrNotFound.
func (d *Database) Load(ctx context.Context, documentID string) ([]byte, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT snapshot_data FROM document_snapshots WHERE document_id = ?",
		documentID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save replaces the snapshot for documentID.
func (d *Database) Save(ctx context.Context, documentID string, data []byte) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO document_snapshots (document_id, snapshot_data, size, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			size = excluded.size,
			save_count = document_snapshots.save_count + 1,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, data, len(data))
	return err
}

// GetSnapshot returns the full row for documentID, or nil when absent.
func (d *Database) GetSnapshot(ctx context.Context, documentID string) (*Snapshot, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT document_id, snapshot_data, save_count, created_at, updated_at
		FROM document_snapshots WHERE document_id = ?
	`, documentID)

	var s Snapshot
	err := row.Scan(&s.DocumentID, &s.Data, &s.SaveCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListDocuments returns stored document ids, most recently saved first.
func (d *Database) ListDocuments(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT document_id FROM document_snapshots ORDER BY updated_at DESC, document_id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *Database) DeleteSnapshot(ctx context.Context, documentID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM document_snapshots WHERE document_id = ?", documentID)
	return err
}

// Stats

func (d *Database) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var count, totalSize, saves int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(save_count), 0) FROM document_snapshots",
	).Scan(&count, &totalSize, &saves)
	if err != nil {
		return nil, err
	}
	stats["document_count"] = count
	stats["total_bytes"] = totalSize
	stats["save_count"] = saves

	return stats, nil
}
