package rag

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/pkg/logger"
)

const (
	PartitionCourse = "course_knowledge_base"
	PartitionUser   = "user_uploaded"
)

type Retriever struct {
	embedder llm.Embedder
	course   vector.Index
	user     vector.Index
}

func NewRetriever(embedder llm.Embedder, course, user vector.Index) *Retriever {
	return &Retriever{embedder: embedder, course: course, user: user}
}

// Search queries both corpora for ceil(k/2) hits each, the user half filtered
// to owner, and returns at most k hits in ascending distance. Ties keep the
// course hits first.
func (r *Retriever) Search(ctx context.Context, query, owner string, k int) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	emb, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	half := (k + 1) / 2

	hits, err := r.search(ctx, r.course, PartitionCourse, emb, half, vector.SharedOwner)
	if err != nil {
		return nil, err
	}

	if owner != "" {
		userHits, err := r.search(ctx, r.user, PartitionUser, emb, half, owner)
		if err != nil {
			return nil, err
		}
		hits = append(hits, userHits...)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}

	logger.Debug("Hybrid search completed",
		zap.String("owner", owner),
		zap.Int("k", k),
		zap.Int("results", len(hits)),
	)
	return hits, nil
}

func (r *Retriever) SearchCourse(ctx context.Context, query string, k int) ([]vector.Hit, error) {
	emb, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.search(ctx, r.course, PartitionCourse, emb, k, vector.SharedOwner)
}

func (r *Retriever) SearchUser(ctx context.Context, query, owner string, k int) ([]vector.Hit, error) {
	if owner == "" {
		return nil, nil
	}
	emb, err := r.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return r.search(ctx, r.user, PartitionUser, emb, k, owner)
}

func (r *Retriever) OwnerChunkCount(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, nil
	}
	n, err := r.user.Count(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents for %s: %w", owner, err)
	}
	return n, nil
}

func (r *Retriever) search(ctx context.Context, idx vector.Index, partition string, emb []float32, k int, owner string) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	hits, err := idx.Search(ctx, emb, k, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", idx.Name(), err)
	}

	filtered := hits[:0]
	for _, h := range hits {
		// never surface another owner's chunk
		if owner != vector.SharedOwner && h.Chunk.Owner != owner {
			continue
		}
		h.Partition = partition
		filtered = append(filtered, h)
	}

	metrics.RetrievalHits.WithLabelValues(partition).Observe(float64(len(filtered)))
	return filtered, nil
}
