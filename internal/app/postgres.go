package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/mnemos/internal/reliability"
)

const (
	dbConnectAttempts = 6
	dbBackoffBase     = 250 * time.Millisecond
	dbBackoffCap      = 4 * time.Second
)

// OpenPool connects to Postgres and waits for it to answer pings, so the
// service can start alongside its database.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	err = reliability.WaitFor(ctx, dbConnectAttempts, dbBackoffBase, dbBackoffCap, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	return pool, nil
}
