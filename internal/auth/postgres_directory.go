package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory resolves identities from the users table. The pool is
// shared and not closed here.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(ctx context.Context, pool *pgxpool.Pool) (*PostgresDirectory, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`)
	if err != nil {
		return nil, fmt.Errorf("init users schema: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	var id Identity
	err := d.pool.QueryRow(ctx,
		`SELECT id, display_name FROM users WHERE id=$1`,
		userID,
	).Scan(&id.UserID, &id.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	return id, nil
}

// AddUser inserts or renames a user.
func (d *PostgresDirectory) AddUser(ctx context.Context, id Identity) error {
	if strings.TrimSpace(id.UserID) == "" {
		return errors.New("user id is required")
	}
	_, err := d.pool.Exec(ctx,
		`INSERT INTO users (id, display_name) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name`,
		id.UserID, id.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}
