package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore keeps attribute sets in a shared PostgreSQL table, so several
// hosts can manage entities against one database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects, pings and ensures the table exists.
func NewPostgresStore(ctx context.Context, connString string, logger *zap.Logger) (*PostgresStore, error) {
	if connString == "" {
		return nil, fmt.Errorf("postgres state backend needs a DSN")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entity_state (
			entity_id TEXT PRIMARY KEY,
			attributes JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create entity_state table: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) Load(ctx context.Context, entityID string) (Attributes, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT attributes FROM entity_state WHERE entity_id = $1`, entityID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return decode(data)
}

func (s *PostgresStore) Save(ctx context.Context, entityID string, attrs Attributes) error {
	data, err := encode(attrs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO entity_state (entity_id, attributes, saved_at)
		VALUES ($1, $2::jsonb, NOW())
		ON CONFLICT (entity_id) DO UPDATE SET
			attributes = EXCLUDED.attributes,
			saved_at = NOW()
	`, entityID, string(data))
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
