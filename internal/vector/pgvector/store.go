package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/pkg/logger"
)

type Store struct {
	pool      *pgxpool.Pool
	table     string
	ident     string
	vectorDim int
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// NewStore binds a collection to a table on an existing pool; several stores may share one pool.
func NewStore(pool *pgxpool.Pool, table string, vectorDim int) *Store {
	return &Store{
		pool:      pool,
		table:     table,
		ident:     pgx.Identifier{table}.Sanitize(),
		vectorDim: vectorDim,
	}
}

func (s *Store) Name() string {
	return s.table
}

func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			owner TEXT NOT NULL,
			source_file TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, s.ident, s.vectorDim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (owner)`, pgx.Identifier{s.table + "_owner_idx"}.Sanitize(), s.ident),
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.table, err)
		}
	}

	logger.Info("pgvector table ready", zap.String("table", s.table), zap.Int("dim", s.vectorDim))
	return nil
}

func (s *Store) Insert(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, text, owner, source_file, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			owner = EXCLUDED.owner,
			source_file = EXCLUDED.source_file,
			embedding = EXCLUDED.embedding`, s.ident)

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		if len(ch.Embedding) != s.vectorDim {
			return fmt.Errorf("%w: chunk %s has %d, table expects %d", vector.ErrDimensionMismatch, ch.ID, len(ch.Embedding), s.vectorDim)
		}
		batch.Queue(query, ch.ID, ch.Text, ch.Owner, ch.SourceFile, pgv.NewVector(ch.Embedding))
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	logger.Info("Chunks inserted into pgvector", zap.String("table", s.table), zap.Int("count", len(chunks)))
	return nil
}

func (s *Store) Search(ctx context.Context, embedding []float32, k int, owner string) ([]vector.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT id, text, owner, source_file, embedding <-> $1 AS distance
		FROM %s
		WHERE ($2 = '' OR owner = $2)
		ORDER BY distance ASC
		LIMIT $3`, s.ident)

	rows, err := s.pool.Query(ctx, query, pgv.NewVector(embedding), owner, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	hits := make([]vector.Hit, 0, k)
	for rows.Next() {
		var h vector.Hit
		var distance float64
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.Text, &h.Chunk.Owner, &h.Chunk.SourceFile, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		h.Distance = float32(distance)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate hits: %w", err)
	}

	return hits, nil
}

func (s *Store) Count(ctx context.Context, owner string) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ($1 = '' OR owner = $1)`, s.ident)
	if err := s.pool.QueryRow(ctx, query, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}
