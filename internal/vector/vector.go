package vector

import (
	"context"
	"errors"
)

// SharedOwner tags chunks that belong to the course corpus rather than a user.
const SharedOwner = "shared"

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

type Chunk struct {
	ID         string
	Text       string
	Owner      string
	SourceFile string
	Embedding  []float32
}

type Hit struct {
	Chunk     Chunk
	Distance  float32
	Partition string
}

// Index is a similarity-search collection. Search with a non-empty owner only
// returns chunks tagged with that owner; results are ordered by ascending distance.
type Index interface {
	Insert(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, embedding []float32, k int, owner string) ([]Hit, error)
	Count(ctx context.Context, owner string) (int, error)
	Name() string
}
