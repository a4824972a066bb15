package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/pkg/logger"
	"github.com/course-assistant/backend/pkg/utils"
)

type EmbeddingStore interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}

// CachedEmbedder serves repeated texts from the store. Cache failures are
// logged and fall through to the wrapped embedder.
type CachedEmbedder struct {
	next  llm.Embedder
	store EmbeddingStore
	model string
	ttl   time.Duration
}

func NewCachedEmbedder(next llm.Embedder, store EmbeddingStore, model string, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{next: next, store: store, model: model, ttl: ttl}
}

func (e *CachedEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := utils.EmbeddingKey(e.model, text)

	if cached, ok := e.lookup(ctx, key); ok {
		return cached, nil
	}

	embedding, err := e.next.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	e.save(ctx, key, embedding)
	return embedding, nil
}

func (e *CachedEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		keys[i] = utils.EmbeddingKey(e.model, text)
		if cached, ok := e.lookup(ctx, keys[i]); ok {
			out[i] = cached
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := e.next.GenerateBatchEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, idx := range missingIdx {
		out[idx] = fresh[j]
		e.save(ctx, keys[idx], fresh[j])
	}
	return out, nil
}

func (e *CachedEmbedder) lookup(ctx context.Context, key string) ([]float32, bool) {
	cached, ok, err := e.store.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues("embedding").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("embedding").Inc()
	return cached, true
}

func (e *CachedEmbedder) save(ctx context.Context, key string, embedding []float32) {
	if err := e.store.SetEmbedding(ctx, key, embedding, e.ttl); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}
