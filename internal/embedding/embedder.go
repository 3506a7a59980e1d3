// Package embedding turns text into fixed-length vectors for long-term memory.
package embedding

import (
	"context"
	"errors"
)

// ErrEmbedding wraps every provider failure.
var ErrEmbedding = errors.New("embedding failed")

// Embedder converts text into a vector. All vectors returned by one Embedder
// have Dimensions() entries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
