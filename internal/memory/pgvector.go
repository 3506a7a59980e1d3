package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PgvectorStore keeps memory records in PostgreSQL using the pgvector extension.
// Similarity is cosine: score = 1 - (embedding <=> query).
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore creates the extension and table, then opens a pool whose
// connections know the vector type.
func NewPgvectorStore(ctx context.Context, databaseURL string, dimensions int) (*PgvectorStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("pgvector store: dimensions must be positive")
	}

	// The vector type only exists once the extension is created, so bootstrap
	// on a plain connection before registering types on the pool.
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", ErrVectorStore, err)
	}
	err = initVectorSchema(ctx, conn, dimensions)
	_ = conn.Close(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse database url: %v", ErrVectorStore, err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open pool: %v", ErrVectorStore, err)
	}
	return &PgvectorStore{pool: pool}, nil
}

func initVectorSchema(ctx context.Context, conn *pgx.Conn, dimensions int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			source_text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dimensions),
		`CREATE INDEX IF NOT EXISTS idx_memory_records_user ON memory_records (user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_chat ON memory_records (chat_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_records_embedding ON memory_records USING hnsw (embedding vector_cosine_ops);`,
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: init schema failed on %q: %v", ErrVectorStore, stmt, err)
		}
	}
	return nil
}

func (s *PgvectorStore) Upsert(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_records (id, chat_id, user_id, turn_id, source_text, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			chat_id = EXCLUDED.chat_id,
			user_id = EXCLUDED.user_id,
			turn_id = EXCLUDED.turn_id,
			source_text = EXCLUDED.source_text,
			embedding = EXCLUDED.embedding`,
		rec.ID,
		rec.ChatID,
		rec.UserID,
		rec.TurnID,
		rec.SourceText,
		pgvector.NewVector(rec.Vector),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert memory record: %v", ErrVectorStore, err)
	}
	return nil
}

// similaritySQL builds the ranking query. Filtered queries rank every
// filtered row through a MATERIALIZED CTE: an HNSW scan stops after
// hnsw.ef_search candidates and can miss rows that pass the filter.
func similaritySQL(vector []float32, k int, filter Filter) (string, []any) {
	args := []any{pgvector.NewVector(vector)}
	var where []string
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ChatID != "" {
		args = append(args, filter.ChatID)
		where = append(where, fmt.Sprintf("chat_id = $%d", len(args)))
	}
	args = append(args, k)
	limit := fmt.Sprintf("$%d", len(args))

	if len(where) == 0 {
		return `SELECT id, chat_id, user_id, turn_id, source_text, 1 - (embedding <=> $1) AS score
		 FROM memory_records
		 ORDER BY embedding <=> $1, id
		 LIMIT ` + limit, args
	}
	return `WITH candidates AS MATERIALIZED (
			SELECT id, chat_id, user_id, turn_id, source_text, embedding
			FROM memory_records
			WHERE ` + strings.Join(where, " AND ") + `
		 )
		 SELECT id, chat_id, user_id, turn_id, source_text, 1 - (embedding <=> $1) AS score
		 FROM candidates
		 ORDER BY embedding <=> $1, id
		 LIMIT ` + limit, args
}

func (s *PgvectorStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	query, args := similaritySQL(vector, k, filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query memory records: %v", ErrVectorStore, err)
	}
	defer rows.Close()

	out := make([]Match, 0, k)
	for rows.Next() {
		var (
			m     Match
			score float64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.TurnID, &m.SourceText, &score); err != nil {
			return nil, fmt.Errorf("%w: scan memory row: %v", ErrVectorStore, err)
		}
		m.Score = float32(score)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate memory rows: %v", ErrVectorStore, err)
	}
	return out, nil
}

func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}
