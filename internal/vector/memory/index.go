package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/course-assistant/backend/internal/vector"
)

type Index struct {
	name   string
	mu     sync.RWMutex
	chunks []vector.Chunk
	byID   map[string]int
}

func NewIndex(name string) *Index {
	return &Index{name: name, byID: make(map[string]int)}
}

func (i *Index) Name() string {
	return i.name
}

func (i *Index) Insert(_ context.Context, chunks []vector.Chunk) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, ch := range chunks {
		if len(i.chunks) > 0 && len(ch.Embedding) != len(i.chunks[0].Embedding) {
			return fmt.Errorf("%w: got %d, collection has %d", vector.ErrDimensionMismatch, len(ch.Embedding), len(i.chunks[0].Embedding))
		}
		if pos, ok := i.byID[ch.ID]; ok {
			i.chunks[pos] = ch
			continue
		}
		i.byID[ch.ID] = len(i.chunks)
		i.chunks = append(i.chunks, ch)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, embedding []float32, k int, owner string) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	hits := make([]vector.Hit, 0, len(i.chunks))
	for _, ch := range i.chunks {
		if owner != "" && ch.Owner != owner {
			continue
		}
		if len(ch.Embedding) != len(embedding) {
			return nil, fmt.Errorf("%w: query has %d, chunk %s has %d", vector.ErrDimensionMismatch, len(embedding), ch.ID, len(ch.Embedding))
		}
		hits = append(hits, vector.Hit{Chunk: ch, Distance: squaredL2(embedding, ch.Embedding)})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Distance < hits[b].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (i *Index) Count(_ context.Context, owner string) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if owner == "" {
		return len(i.chunks), nil
	}
	n := 0
	for _, ch := range i.chunks {
		if ch.Owner == owner {
			n++
		}
	}
	return n, nil
}

// squaredL2 matches the metric Milvus reports for L2 indexes.
func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
