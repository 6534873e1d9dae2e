package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

var (
	_ memory.StateStore = (*Store)(nil)
	_ memory.Pinger     = (*Store)(nil)
)

// Store is the PostgreSQL-backed snapshot store. It holds a single
// [pgxpool.Pool] and is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, verifies it, and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Load reassembles the snapshot stored under key.
func (s *Store) Load(ctx context.Context, key string) (types.Snapshot, bool, error) {
	var snap types.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT active_session_id FROM chat_state WHERE store_key = $1`, key,
	).Scan(&snap.ActiveSessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("postgres store: load state: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, title, created_at, updated_at
		FROM   chat_sessions
		WHERE  store_key = $1
		ORDER  BY position`, key)
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("postgres store: load sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Session, error) {
		var sess types.Session
		err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
		sess.Messages = []types.Message{}
		return sess, err
	})
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("postgres store: scan sessions: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT session_id, id, role, content, is_streaming, created_at
		FROM   chat_messages
		WHERE  store_key = $1
		ORDER  BY session_id, position`, key)
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("postgres store: load messages: %w", err)
	}
	type messageRow struct {
		sessionID string
		msg       types.Message
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (messageRow, error) {
		var (
			r    messageRow
			role string
		)
		err := row.Scan(&r.sessionID, &r.msg.ID, &role, &r.msg.Content, &r.msg.IsStreaming, &r.msg.CreatedAt)
		r.msg.Role = types.Role(role)
		return r, err
	})
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("postgres store: scan messages: %w", err)
	}

	index := make(map[string]int, len(sessions))
	for i, sess := range sessions {
		index[sess.ID] = i
	}
	for _, r := range msgs {
		if i, ok := index[r.sessionID]; ok {
			sessions[i].Messages = append(sessions[i].Messages, r.msg)
		}
	}
	snap.Sessions = sessions
	return snap, true, nil
}

// Save replaces every row for key in one transaction.
func (s *Store) Save(ctx context.Context, key string, snap types.Snapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Sessions and messages cascade from chat_state.
	if _, err := tx.Exec(ctx, `DELETE FROM chat_state WHERE store_key = $1`, key); err != nil {
		return fmt.Errorf("postgres store: clear: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_state (store_key, active_session_id, updated_at) VALUES ($1, $2, $3)`,
		key, snap.ActiveSessionID, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("postgres store: write state: %w", err)
	}

	sessionRows := make([][]any, 0, len(snap.Sessions))
	var messageRows [][]any
	for i, sess := range snap.Sessions {
		sessionRows = append(sessionRows, []any{key, sess.ID, i, sess.Title, sess.CreatedAt, sess.UpdatedAt})
		for j, m := range sess.Messages {
			messageRows = append(messageRows, []any{key, sess.ID, m.ID, j, string(m.Role), m.Content, m.IsStreaming, m.CreatedAt})
		}
	}

	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"chat_sessions"},
		[]string{"store_key", "id", "position", "title", "created_at", "updated_at"},
		pgx.CopyFromRows(sessionRows),
	); err != nil {
		return fmt.Errorf("postgres store: write sessions: %w", err)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"chat_messages"},
		[]string{"store_key", "session_id", "id", "position", "role", "content", "is_streaming", "created_at"},
		pgx.CopyFromRows(messageRows),
	); err != nil {
		return fmt.Errorf("postgres store: write messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
