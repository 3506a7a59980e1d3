package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig addresses an external Qdrant instance over gRPC.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimensions int
}

// QdrantStore keeps memory records in a Qdrant collection with cosine distance.
// Record ids must be UUIDs.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("qdrant store: dimensions must be positive")
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = defaultChromemCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant client: %v", ErrVectorStore, err)
	}

	exists, err := client.CollectionExists(ctx, collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: check collection %q: %v", ErrVectorStore, collection, err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimensions),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: create collection %q: %v", ErrVectorStore, collection, err)
		}
	}
	return &QdrantStore{client: client, collection: collection}, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				metaChatID:    rec.ChatID,
				metaUserID:    rec.UserID,
				metaTurnID:    rec.TurnID,
				metaCreatedAt: createdAt.Format(time.RFC3339Nano),
				"source_text": rec.SourceText,
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: qdrant upsert: %v", ErrVectorStore, err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	var must []*qdrant.Condition
	if filter.UserID != "" {
		must = append(must, qdrant.NewMatch(metaUserID, filter.UserID))
	}
	if filter.ChatID != "" {
		must = append(must, qdrant.NewMatch(metaChatID, filter.ChatID))
	}
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(must) > 0 {
		req.Filter = &qdrant.Filter{Must: must}
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant query: %v", ErrVectorStore, err)
	}

	out := make([]Match, 0, len(points))
	for _, p := range points {
		payload := p.GetPayload()
		out = append(out, Match{
			ID:         p.GetId().GetUuid(),
			ChatID:     payload[metaChatID].GetStringValue(),
			UserID:     payload[metaUserID].GetStringValue(),
			TurnID:     payload[metaTurnID].GetStringValue(),
			SourceText: payload["source_text"].GetStringValue(),
			Score:      p.GetScore(),
		})
	}
	return out, nil
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}
