// Package vectorstore implements the per-server message vector collection:
// upsert, nearest-neighbor query, count, and the resumption-timestamp lookup
// that lets the Message Pipeline skip already-indexed history on restart.
package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

const ddlMessages = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS messages (
    server_id            TEXT        NOT NULL,
    message_id           TEXT        NOT NULL,
    content              TEXT        NOT NULL,
    embedding            vector(%d),
    author_name          TEXT        NOT NULL DEFAULT '',
    author_display_name  TEXT        NOT NULL DEFAULT '',
    author_global_name   TEXT        NOT NULL DEFAULT '',
    author_nick          TEXT        NOT NULL DEFAULT '',
    channel_name         TEXT        NOT NULL DEFAULT '',
    timestamp            TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (server_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_server_id
    ON messages (server_id);

CREATE INDEX IF NOT EXISTS idx_messages_server_timestamp
    ON messages (server_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_messages_embedding
    ON messages USING hnsw (embedding vector_cosine_ops);
`

// Metadata is the per-message payload stored alongside the embedding vector.
type Metadata struct {
	AuthorName        string
	AuthorDisplayName string
	AuthorGlobalName  string
	AuthorNick        string
	ChannelName       string
	Timestamp         time.Time
}

// Result is a single nearest-neighbor hit.
type Result struct {
	MessageID string
	Content   string
	Metadata  Metadata
	Distance  float64 // cosine distance in [0, 2]; relevance = 1 - Distance
}

// Store is the pgvector-backed Vector Store Facade: one logical collection
// per server, modeled as rows scoped by server_id in a single table rather
// than one physical collection per server, so resumption and cross-server
// admin queries stay cheap.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn, registers pgvector types, and
// ensures the messages table exists with the given embedding dimension.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: ping: %w", err)
	}

	ddl := fmt.Sprintf(ddlMessages, embeddingDimensions)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert writes text and its embedding vector into serverID's collection,
// keyed on messageID. A re-ingest of the same messageID replaces the row.
func (s *Store) Upsert(ctx context.Context, serverID, messageID, text string, vector []float32, meta Metadata) error {
	const q = `
		INSERT INTO messages
		    (server_id, message_id, content, embedding, author_name, author_display_name,
		     author_global_name, author_nick, channel_name, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (server_id, message_id) DO UPDATE SET
		    content             = EXCLUDED.content,
		    embedding           = EXCLUDED.embedding,
		    author_name         = EXCLUDED.author_name,
		    author_display_name = EXCLUDED.author_display_name,
		    author_global_name  = EXCLUDED.author_global_name,
		    author_nick         = EXCLUDED.author_nick,
		    channel_name        = EXCLUDED.channel_name,
		    timestamp           = EXCLUDED.timestamp`

	vec := pgvector.NewVector(vector)
	_, err := s.pool.Exec(ctx, q,
		serverID, messageID, text, vec,
		meta.AuthorName, meta.AuthorDisplayName, meta.AuthorGlobalName, meta.AuthorNick,
		meta.ChannelName, meta.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %s/%s: %w", serverID, messageID, err)
	}
	return nil
}

// Query returns the k nearest neighbors to queryVector within serverID's
// collection, ordered by ascending cosine distance.
func (s *Store) Query(ctx context.Context, serverID string, queryVector []float32, k int) ([]Result, error) {
	const q = `
		SELECT message_id, content, author_name, author_display_name, author_global_name,
		       author_nick, channel_name, timestamp, embedding <=> $2 AS distance
		FROM   messages
		WHERE  server_id = $1
		ORDER  BY distance
		LIMIT  $3`

	vec := pgvector.NewVector(queryVector)
	rows, err := s.pool.Query(ctx, q, serverID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: query %s: %w", serverID, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var r Result
		if err := row.Scan(
			&r.MessageID, &r.Content,
			&r.Metadata.AuthorName, &r.Metadata.AuthorDisplayName, &r.Metadata.AuthorGlobalName,
			&r.Metadata.AuthorNick, &r.Metadata.ChannelName, &r.Metadata.Timestamp,
			&r.Distance,
		); err != nil {
			return Result{}, err
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: scan rows: %w", err)
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// Count returns the number of indexed messages for serverID.
func (s *Store) Count(ctx context.Context, serverID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE server_id = $1`, serverID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count %s: %w", serverID, err)
	}
	return n, nil
}

// LatestIndexedTimestamp returns the most recent indexed message timestamp
// for serverID, and false if the server has no indexed messages yet (in
// which case the Message Pipeline must run a full historical scan).
func (s *Store) LatestIndexedTimestamp(ctx context.Context, serverID string) (time.Time, bool, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT max(timestamp) FROM messages WHERE server_id = $1`, serverID).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("vectorstore: latest timestamp %s: %w", serverID, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}
