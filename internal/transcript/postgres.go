package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists chats and turns in PostgreSQL. The pool is shared
// with other components and is not closed by the store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chats_owner_activity ON chats (owner_id, last_activity_at DESC);`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL REFERENCES chats (id),
			author_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_chat_seq ON turns (chat_id, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init transcript schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateChat(ctx context.Context, ownerID, title string) (Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultChatTitle
	}
	now := time.Now().UTC()
	c := Chat{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Title:          title,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chats (id, owner_id, title, created_at, last_activity_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.OwnerID, c.Title, c.CreatedAt, c.LastActivityAt,
	)
	if err != nil {
		return Chat{}, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, title, created_at, last_activity_at FROM chats WHERE id=$1`,
		chatID,
	).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListChats(ctx context.Context, ownerID string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, title, created_at, last_activity_at
		 FROM chats WHERE owner_id=$1 ORDER BY last_activity_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.LastActivityAt); err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, in NewTurn) (Turn, error) {
	t := Turn{
		ID:        uuid.NewString(),
		ChatID:    in.ChatID,
		AuthorID:  in.AuthorID,
		Role:      in.Role,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Turn{}, fmt.Errorf("begin append turn: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE chats SET last_activity_at=$2 WHERE id=$1`, t.ChatID, t.CreatedAt)
	if err != nil {
		return Turn{}, fmt.Errorf("touch chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Turn{}, ErrChatNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO turns (id, chat_id, author_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ChatID, t.AuthorID, string(t.Role), t.Content, t.CreatedAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Turn{}, fmt.Errorf("commit append turn: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, chatID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return s.ListTurns(ctx, chatID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, author_id, role, content, created_at
		 FROM turns WHERE chat_id=$1 ORDER BY seq DESC LIMIT $2`,
		chatID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	items, err := scanTurns(rows, limit)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, chatID string) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, author_id, role, content, created_at
		 FROM turns WHERE chat_id=$1 ORDER BY seq ASC`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	return scanTurns(rows, 0)
}

func scanTurns(rows pgx.Rows, capacity int) ([]Turn, error) {
	defer rows.Close()
	items := make([]Turn, 0, capacity)
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &t.AuthorID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = Role(role)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error { return nil }
