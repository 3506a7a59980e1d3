// Package memory is the long-term conversational memory: embeddings of past
// turns indexed for similarity search.
package memory

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVectorStore wraps backend failures of a Store.
	ErrVectorStore = errors.New("vector store failed")

	// ErrInvalidRecord is returned when a record lacks an id or a vector.
	ErrInvalidRecord = errors.New("invalid memory record")
)

// Record is the embedding snapshot of one persisted turn. TurnID is a lookup
// reference only; deleting a record never touches the turn and vice versa.
type Record struct {
	ID         string
	Vector     []float32
	ChatID     string
	UserID     string
	TurnID     string
	SourceText string
	CreatedAt  time.Time
}

// Match is a ranked query result, highest Score first.
type Match struct {
	ID         string  `json:"id"`
	ChatID     string  `json:"chat_id"`
	UserID     string  `json:"user_id"`
	TurnID     string  `json:"turn_id"`
	SourceText string  `json:"source_text"`
	Score      float32 `json:"score"`
}

// Filter restricts a query by metadata equality. Empty fields match anything.
type Filter struct {
	UserID string
	ChatID string
}

// Store upserts records and answers top-K similarity queries.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error)
	Close() error
}

func validate(rec Record) error {
	if rec.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("missing id"))
	}
	if len(rec.Vector) == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("missing vector"))
	}
	return nil
}
