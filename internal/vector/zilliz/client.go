package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/pkg/logger"
)

const (
	fieldID        = "chunk_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldOwner     = "owner"
	fieldSource    = "source_file"
	fieldTimestamp = "timestamp"
	maxTextLength  = 8192
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (z *Client) Name() string {
	return z.collectionName
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := z.create(ctx); err != nil {
			return err
		}
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection ready", zap.String("collection", z.collectionName), zap.Bool("created", !has))
	return nil
}

func (z *Client) create(ctx context.Context) error {
	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "course assistant document chunks",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			{
				Name:       fieldText,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": strconv.Itoa(maxTextLength)},
			},
			{
				Name:       fieldOwner,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       fieldSource,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:     fieldTimestamp,
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	if err := z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (z *Client) Insert(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	owners := make([]string, len(chunks))
	sources := make([]string, len(chunks))
	timestamps := make([]int64, len(chunks))
	now := time.Now().Unix()

	for i, ch := range chunks {
		if len(ch.Embedding) != z.vectorDim {
			return fmt.Errorf("%w: chunk %s has %d, collection expects %d", vector.ErrDimensionMismatch, ch.ID, len(ch.Embedding), z.vectorDim)
		}
		ids[i] = ch.ID
		embeddings[i] = ch.Embedding
		texts[i] = truncateBytes(ch.Text, maxTextLength)
		owners[i] = ch.Owner
		sources[i] = ch.SourceFile
		timestamps[i] = now
	}

	_, err := z.client.Upsert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldOwner, owners),
		entity.NewColumnVarChar(fieldSource, sources),
		entity.NewColumnInt64(fieldTimestamp, timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB",
		zap.String("collection", z.collectionName),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (z *Client) Search(ctx context.Context, embedding []float32, k int, owner string) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		ownerExpr(owner),
		[]string{fieldID, fieldText, fieldOwner, fieldSource},
		[]entity.Vector{entity.FloatVector(embedding)},
		fieldEmbedding,
		entity.L2,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]vector.Hit, 0, k)
	for _, sr := range results {
		idCol := sr.Fields.GetColumn(fieldID)
		textCol := sr.Fields.GetColumn(fieldText)
		ownerCol := sr.Fields.GetColumn(fieldOwner)
		sourceCol := sr.Fields.GetColumn(fieldSource)
		if idCol == nil || textCol == nil || ownerCol == nil || sourceCol == nil {
			return nil, fmt.Errorf("search result missing output fields")
		}

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.GetAsString(i)
			text, _ := textCol.GetAsString(i)
			chunkOwner, _ := ownerCol.GetAsString(i)
			source, _ := sourceCol.GetAsString(i)

			hits = append(hits, vector.Hit{
				Chunk: vector.Chunk{
					ID:         id,
					Text:       text,
					Owner:      chunkOwner,
					SourceFile: source,
				},
				Distance: sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("collection", z.collectionName),
		zap.Int("k", k),
		zap.Int("results", len(hits)),
	)

	return hits, nil
}

func (z *Client) Count(ctx context.Context, owner string) (int, error) {
	rs, err := z.client.Query(ctx, z.collectionName, []string{}, ownerExpr(owner), []string{"count(*)"})
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}

	col := rs.GetColumn("count(*)")
	if col == nil || col.Len() == 0 {
		return 0, nil
	}
	n, err := col.GetAsInt64(0)
	if err != nil {
		return 0, fmt.Errorf("failed to read count: %w", err)
	}
	return int(n), nil
}

func ownerExpr(owner string) string {
	if owner == "" {
		return ""
	}
	return fieldOwner + " == " + strconv.Quote(owner)
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
