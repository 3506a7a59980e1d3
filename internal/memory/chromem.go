package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

const (
	defaultChromemCollection = "memories"

	metaChatID    = "chat_id"
	metaUserID    = "user_id"
	metaTurnID    = "turn_id"
	metaCreatedAt = "created_at"
)

// ChromemStore keeps memory records in an embedded chromem-go database.
// With a non-empty path the database is persisted to disk.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection
}

func NewChromemStore(path string) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if strings.TrimSpace(path) == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: open chromem db at %q: %v", ErrVectorStore, path, err)
		}
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(defaultChromemCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", ErrVectorStore, err)
	}
	return &ChromemStore{db: db, col: col}, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, rec Record) error {
	if err := validate(rec); err != nil {
		return err
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.SourceText,
		Embedding: rec.Vector,
		Metadata: map[string]string{
			metaChatID:    rec.ChatID,
			metaUserID:    rec.UserID,
			metaTurnID:    rec.TurnID,
			metaCreatedAt: createdAt.Format(time.RFC3339Nano),
		},
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: add document: %v", ErrVectorStore, err)
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	var where map[string]string
	if filter.UserID != "" || filter.ChatID != "" {
		where = make(map[string]string, 2)
		if filter.UserID != "" {
			where[metaUserID] = filter.UserID
		}
		if filter.ChatID != "" {
			where[metaChatID] = filter.ChatID
		}
	}

	results, err := s.col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: chromem query: %v", ErrVectorStore, err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		out = append(out, Match{
			ID:         r.ID,
			ChatID:     r.Metadata[metaChatID],
			UserID:     r.Metadata[metaUserID],
			TurnID:     r.Metadata[metaTurnID],
			SourceText: r.Content,
			Score:      r.Similarity,
		})
	}
	return out, nil
}

// Count reports how many records the store holds.
func (s *ChromemStore) Count() int {
	return s.col.Count()
}

// Close is a no-op: persistent chromem databases write through on every add.
func (s *ChromemStore) Close() error { return nil }
