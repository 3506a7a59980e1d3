package memory

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and configures a vector store backend.
type Config struct {
	// Backend is one of auto, chromem, pgvector or qdrant.
	Backend     string
	ChromemPath string
	DatabaseURL string
	Dimensions  int
	Qdrant      QdrantConfig
}

// NewStore opens the configured backend. auto picks pgvector when a database
// url is set and falls back to embedded chromem otherwise.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "auto" {
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			backend = "pgvector"
		} else {
			backend = "chromem"
		}
	}

	switch backend {
	case "chromem":
		return NewChromemStore(cfg.ChromemPath)
	case "pgvector":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("pgvector backend requires a database url")
		}
		return NewPgvectorStore(ctx, cfg.DatabaseURL, cfg.Dimensions)
	case "qdrant":
		q := cfg.Qdrant
		if q.Dimensions == 0 {
			q.Dimensions = cfg.Dimensions
		}
		return NewQdrantStore(ctx, q)
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}
