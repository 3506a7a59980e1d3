package transcript

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore returns a Postgres-backed store when a pool is given and an
// in-memory store otherwise.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, pool)
}
