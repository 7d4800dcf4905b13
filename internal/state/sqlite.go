package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteFileName = "mssqlpro_state.db"

// SQLiteStore keeps attribute sets in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database under dir.
func NewSQLiteStore(ctx context.Context, dir string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dbPath := filepath.Join(dir, sqliteFileName)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entity_state (
			entity_id TEXT PRIMARY KEY,
			attributes TEXT NOT NULL,
			saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create entity_state table: %w", err)
	}

	logger.Debug("Opened state database", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, entityID string) (Attributes, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes FROM entity_state WHERE entity_id = ?`, entityID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decode([]byte(data))
}

func (s *SQLiteStore) Save(ctx context.Context, entityID string, attrs Attributes) error {
	data, err := encode(attrs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_state (entity_id, attributes, saved_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(entity_id) DO UPDATE SET
			attributes = excluded.attributes,
			saved_at = excluded.saved_at
	`, entityID, string(data))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
