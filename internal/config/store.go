package config

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

const ddlServerConfigs = `
CREATE TABLE IF NOT EXISTS server_configs (
    server_id          TEXT        PRIMARY KEY,
    server_name        TEXT        NOT NULL,
    error_policy       TEXT        NOT NULL,
    embedding_model_id TEXT        NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is the durable backing for the Config Registry: a single
// server_configs table holding one row per Discord server the bot has
// completed setup for.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn and ensures the server_configs
// table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("config store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("config store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlServerConfigs); err != nil {
		pool.Close()
		return nil, fmt.Errorf("config store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadAll returns every persisted ServerConfig, keyed by server ID.
func (s *Store) LoadAll(ctx context.Context) (map[string]types.ServerConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT server_id, server_name, error_policy, embedding_model_id, created_at, updated_at
		FROM   server_configs`)
	if err != nil {
		return nil, fmt.Errorf("config store: load all: %w", err)
	}

	configs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ServerConfig, error) {
		var (
			sc       types.ServerConfig
			errorPol string
		)
		if err := row.Scan(&sc.ServerID, &sc.ServerName, &errorPol, &sc.EmbeddingModelID, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return types.ServerConfig{}, err
		}
		sc.ErrorPolicy = types.ErrorPolicy(errorPol)
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("config store: scan rows: %w", err)
	}

	out := make(map[string]types.ServerConfig, len(configs))
	for _, sc := range configs {
		out[sc.ServerID] = sc
	}
	return out, nil
}

// Insert persists a newly configured server. It fails if the server already exists.
func (s *Store) Insert(ctx context.Context, sc types.ServerConfig) error {
	const q = `
		INSERT INTO server_configs
		    (server_id, server_name, error_policy, embedding_model_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`

	_, err := s.pool.Exec(ctx, q, sc.ServerID, sc.ServerName, string(sc.ErrorPolicy), sc.EmbeddingModelID, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("config store: insert %q: %w", sc.ServerID, err)
	}
	return nil
}

// UpdateServerName updates the stored server_name and updated_at for serverID.
func (s *Store) UpdateServerName(ctx context.Context, serverID, newName string) error {
	const q = `UPDATE server_configs SET server_name = $2, updated_at = now() WHERE server_id = $1`
	_, err := s.pool.Exec(ctx, q, serverID, newName)
	if err != nil {
		return fmt.Errorf("config store: update name %q: %w", serverID, err)
	}
	return nil
}
