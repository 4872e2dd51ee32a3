// Package convstore implements the Conversation Store: the durable
// append-only log of chat turns, plus voice-session and transcription rows.
// It serves history reads for the Agent Runner's audit trail and supports
// full-text search over past turns.
package convstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

const ddl = `
CREATE TABLE IF NOT EXISTS conversations (
    id         BIGSERIAL   PRIMARY KEY,
    user_id    TEXT        NOT NULL,
    server_id  TEXT        NOT NULL,
    role       TEXT        NOT NULL CHECK (role IN ('user', 'assistant')),
    content    TEXT        NOT NULL,
    timestamp  TIMESTAMPTZ NOT NULL DEFAULT now(),
    session_id TEXT        NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_server
    ON conversations (user_id, server_id);

CREATE INDEX IF NOT EXISTS idx_conversations_timestamp
    ON conversations (timestamp);

CREATE INDEX IF NOT EXISTS idx_conversations_fts
    ON conversations USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS voice_sessions (
    id         TEXT        PRIMARY KEY,
    user_id    TEXT        NOT NULL,
    guild_id   TEXT        NOT NULL,
    channel_id TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS transcriptions (
    session_id  TEXT             NOT NULL REFERENCES voice_sessions (id) ON DELETE CASCADE,
    chunk_index INT              NOT NULL,
    text        TEXT             NOT NULL,
    confidence  DOUBLE PRECISION,
    duration_s  DOUBLE PRECISION,
    timestamp   TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, chunk_index)
);
`

// Store is the pgx-backed Conversation Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to dsn and ensures the conversation
// tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("convstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("convstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendTurn appends a single ConvTurn. Callers enforce the user→assistant
// pairing invariant; the store accepts whatever it is given.
func (s *Store) AppendTurn(ctx context.Context, turn types.ConvTurn) error {
	const q = `
		INSERT INTO conversations (user_id, server_id, role, content, timestamp, session_id)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q, turn.UserID, turn.ServerID, string(turn.Role), turn.Content, turn.Timestamp, turn.SessionID)
	if err != nil {
		return fmt.Errorf("convstore: append turn: %w", err)
	}
	return nil
}

// History returns the most recent turns for (userID, serverID), oldest
// first, capped at limit.
func (s *Store) History(ctx context.Context, userID, serverID string, limit int) ([]types.ConvTurn, error) {
	const q = `
		SELECT id, user_id, server_id, role, content, timestamp, session_id
		FROM   (
		    SELECT id, user_id, server_id, role, content, timestamp, session_id
		    FROM   conversations
		    WHERE  user_id = $1 AND server_id = $2
		    ORDER  BY timestamp DESC
		    LIMIT  $3
		) recent
		ORDER  BY timestamp ASC`

	rows, err := s.pool.Query(ctx, q, userID, serverID, limit)
	if err != nil {
		return nil, fmt.Errorf("convstore: history: %w", err)
	}
	return collectTurns(rows)
}

// Search performs a full-text search over conversation content, optionally
// scoped to a user.
func (s *Store) Search(ctx context.Context, query, userID string, limit int) ([]types.ConvTurn, error) {
	args := []any{query}
	conditions := []string{"to_tsvector('english', content) @@ plainto_tsquery('english', $1)"}
	if userID != "" {
		args = append(args, userID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}

	q := "SELECT id, user_id, server_id, role, content, timestamp, session_id\n" +
		"FROM   conversations\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp DESC"
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("convstore: search: %w", err)
	}
	return collectTurns(rows)
}

// ClearHistory deletes all ConvTurn rows for (userID, serverID), per the
// `!clear-conversation-history` command.
func (s *Store) ClearHistory(ctx context.Context, userID, serverID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE user_id = $1 AND server_id = $2`, userID, serverID)
	if err != nil {
		return fmt.Errorf("convstore: clear history: %w", err)
	}
	return nil
}

// CreateVoiceSession inserts a new VoiceSession row.
func (s *Store) CreateVoiceSession(ctx context.Context, session types.VoiceSession) error {
	const q = `
		INSERT INTO voice_sessions (id, user_id, guild_id, channel_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, session.ID, session.UserID, session.GuildID, session.ChannelID, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("convstore: create voice session %s: %w", session.ID, err)
	}
	return nil
}

// EndVoiceSession sets ended_at for sessionID. It is idempotent: ending an
// already-ended session is a no-op.
func (s *Store) EndVoiceSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `UPDATE voice_sessions SET ended_at = $2 WHERE id = $1 AND ended_at IS NULL`
	_, err := s.pool.Exec(ctx, q, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("convstore: end voice session %s: %w", sessionID, err)
	}
	return nil
}

// OpenVoiceSessions returns every VoiceSession whose ended_at is still null,
// used by the Voice Manager's crash-recovery scan (RecoverOpenSessions) at
// startup.
func (s *Store) OpenVoiceSessions(ctx context.Context) ([]types.VoiceSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, guild_id, channel_id, created_at, ended_at
		FROM   voice_sessions
		WHERE  ended_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("convstore: open voice sessions: %w", err)
	}

	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.VoiceSession, error) {
		var vs types.VoiceSession
		if err := row.Scan(&vs.ID, &vs.UserID, &vs.GuildID, &vs.ChannelID, &vs.CreatedAt, &vs.EndedAt); err != nil {
			return types.VoiceSession{}, err
		}
		return vs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convstore: scan voice sessions: %w", err)
	}
	if sessions == nil {
		sessions = []types.VoiceSession{}
	}
	return sessions, nil
}

// AppendTranscription inserts the next Transcription row for a session. The
// caller is responsible for supplying a strictly increasing ChunkIndex; the
// unique (session_id, chunk_index) constraint rejects duplicates.
func (s *Store) AppendTranscription(ctx context.Context, t types.Transcription) error {
	const q = `
		INSERT INTO transcriptions (session_id, chunk_index, text, confidence, duration_s, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q, t.SessionID, t.ChunkIndex, t.Text, t.Confidence, t.DurationS, t.Timestamp)
	if err != nil {
		return fmt.Errorf("convstore: append transcription %s/%d: %w", t.SessionID, t.ChunkIndex, err)
	}
	return nil
}

// Transcriptions returns all transcription rows for sessionID ordered by
// chunk_index.
func (s *Store) Transcriptions(ctx context.Context, sessionID string) ([]types.Transcription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, chunk_index, text, confidence, duration_s, timestamp
		FROM   transcriptions
		WHERE  session_id = $1
		ORDER  BY chunk_index`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("convstore: transcriptions %s: %w", sessionID, err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Transcription, error) {
		var tr types.Transcription
		if err := row.Scan(&tr.SessionID, &tr.ChunkIndex, &tr.Text, &tr.Confidence, &tr.DurationS, &tr.Timestamp); err != nil {
			return types.Transcription{}, err
		}
		return tr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convstore: scan transcriptions: %w", err)
	}
	if entries == nil {
		entries = []types.Transcription{}
	}
	return entries, nil
}

func collectTurns(rows pgx.Rows) ([]types.ConvTurn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ConvTurn, error) {
		var (
			turn types.ConvTurn
			role string
		)
		if err := row.Scan(&turn.ID, &turn.UserID, &turn.ServerID, &role, &turn.Content, &turn.Timestamp, &turn.SessionID); err != nil {
			return types.ConvTurn{}, err
		}
		turn.Role = types.Role(role)
		return turn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("convstore: scan rows: %w", err)
	}
	if turns == nil {
		turns = []types.ConvTurn{}
	}
	return turns, nil
}
