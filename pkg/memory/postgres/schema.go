// Package postgres provides a PostgreSQL-backed [memory.StateStore].
//
// Unlike the key/value backends, snapshots are normalized into rows so that
// conversations can be inspected and queried with plain SQL:
//
//   - chat_state: one row per record key holding the active session ID
//   - chat_sessions: one row per session, ordered by position
//   - chat_messages: one row per message, ordered by position within a session
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	snap, found, err := store.Load(ctx, memory.DefaultKey)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChatState = `
CREATE TABLE IF NOT EXISTS chat_state (
    store_key          TEXT         PRIMARY KEY,
    active_session_id  TEXT         NOT NULL DEFAULT '',
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlChatSessions = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    store_key   TEXT         NOT NULL REFERENCES chat_state (store_key) ON DELETE CASCADE,
    id          TEXT         NOT NULL,
    position    INTEGER      NOT NULL,
    title       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (store_key, id)
);

CREATE INDEX IF NOT EXISTS idx_chat_sessions_position
    ON chat_sessions (store_key, position);
`

const ddlChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
    store_key     TEXT         NOT NULL,
    session_id    TEXT         NOT NULL,
    id            TEXT         NOT NULL,
    position      INTEGER      NOT NULL,
    role          TEXT         NOT NULL,
    content       TEXT         NOT NULL,
    is_streaming  BOOLEAN      NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (store_key, id),
    FOREIGN KEY (store_key, session_id) REFERENCES chat_sessions (store_key, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session
    ON chat_messages (store_key, session_id, position);

CREATE INDEX IF NOT EXISTS idx_chat_messages_fts
    ON chat_messages USING GIN (to_tsvector('simple', content));
`

// Migrate creates or ensures all required tables exist. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlChatState, ddlChatSessions, ddlChatMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
