package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/mnemos/internal/auth"
	"github.com/ent0n29/mnemos/internal/brain"
	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/embedding"
	"github.com/ent0n29/mnemos/internal/eventstream"
	"github.com/ent0n29/mnemos/internal/httpapi"
	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
	"github.com/ent0n29/mnemos/internal/pipeline"
	"github.com/ent0n29/mnemos/internal/session"
	"github.com/ent0n29/mnemos/internal/transcript"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *pipeline.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup releases external resources (pool, vector store, publisher).
	// Call it after the orchestrator has drained.
	Cleanup func() error
}

// Build wires stores, providers and the HTTP surface from cfg.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *BuildResult, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			_ = cleanup()
		}
	}()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { pool.Close(); return nil })
	}

	transcripts, err := transcript.NewStore(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}
	closers = append(closers, transcripts.Close)

	directory, err := buildDirectory(ctx, pool, cfg.DevUsers)
	if err != nil {
		return nil, err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	gatekeeper, err := auth.NewGatekeeper(verifier, directory, cfg.IdentityCacheTTL)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() error { gatekeeper.Close(); return nil })

	embedder, err := embedding.New(embedding.Config{
		Provider:   cfg.EmbeddingProvider,
		Model:      cfg.EmbeddingModel,
		BaseURL:    cfg.EmbeddingBaseURL,
		APIKey:     cfg.EmbeddingAPIKey,
		Dimensions: cfg.MemoryEmbeddingDim,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}

	memories, err := memory.NewStore(ctx, memory.Config{
		Backend:     cfg.VectorStore,
		ChromemPath: cfg.ChromemPath,
		DatabaseURL: cfg.DatabaseURL,
		Dimensions:  embedder.Dimensions(),
		Qdrant: memory.QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	closers = append(closers, memories.Close)

	generator, err := brain.NewGenerator(brain.Config{
		Provider:        cfg.BrainProvider,
		Model:           cfg.BrainModel,
		MaxTokens:       cfg.BrainMaxTokens,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	publisher, err := eventstream.New(eventstream.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
	})
	if err != nil {
		return nil, fmt.Errorf("event stream init failed: %w", err)
	}
	closers = append(closers, publisher.Close)

	orchestrator, err := pipeline.New(pipeline.Config{
		ShortTermLimit:     cfg.ShortTermLimit,
		LongTermLimit:      cfg.LongTermLimit,
		MaxContentBytes:    cfg.MaxContentBytes,
		BookkeepingTimeout: cfg.BookkeepingTimeout,
		RedactPII:          cfg.RedactPII,
	}, pipeline.Deps{
		Transcripts: transcripts,
		Memories:    memories,
		Embedder:    embedder,
		Generator:   generator,
		Publisher:   publisher,
		Metrics:     metrics,
		Logger:      logger.With("component", "pipeline"),
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(c session.Connection) {
		metrics.ConnectionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveConnections.Set(float64(sessions.ActiveCount()))
		logger.Info("connection expired", "connection_id", c.ID, "user_id", c.UserID)
	})

	var ready func(context.Context) error
	if pool != nil {
		ready = pool.Ping
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Gatekeeper:  gatekeeper,
		Turns:       orchestrator,
		Transcripts: transcripts,
		Metrics:     metrics,
		Logger:      logger.With("component", "httpapi"),
		Ready:       ready,
	})

	logger.Info("service wired",
		"transcripts", storeMode(pool),
		"vector_store", fmt.Sprintf("%T", memories),
		"embedder", fmt.Sprintf("%T", embedder),
		"embedding_dim", embedder.Dimensions(),
		"generator", fmt.Sprintf("%T", generator),
		"event_stream", len(cfg.KafkaBrokers) > 0,
	)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

// buildDirectory picks the users table when Postgres is configured and an
// in-memory directory otherwise. Dev users are seeded into either.
func buildDirectory(ctx context.Context, pool *pgxpool.Pool, devUsers string) (auth.Directory, error) {
	seed := auth.ParseDevUsers(devUsers)
	if pool == nil {
		return auth.NewMemoryDirectory(seed...), nil
	}
	dir, err := auth.NewPostgresDirectory(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("identity directory init failed: %w", err)
	}
	for _, id := range seed {
		if err := dir.AddUser(ctx, id); err != nil {
			return nil, fmt.Errorf("seed user %q: %w", id.UserID, err)
		}
	}
	return dir, nil
}

func storeMode(pool *pgxpool.Pool) string {
	if pool == nil {
		return "in-memory"
	}
	return "postgres"
}
