package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "paywatch/pkg/logx"

	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &postgresStore{pool: pool, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return s, nil
}

func (s *postgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_messages (
			id           TEXT PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);
	`)
	return err
}

func (s *postgresStore) Load(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, processed_at FROM processed_messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (s *postgresStore) Put(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (id, processed_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET processed_at = EXCLUDED.processed_at
	`, id, at)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM processed_messages WHERE id = ANY($1)`, ids)
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
