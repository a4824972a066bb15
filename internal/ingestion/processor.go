package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/pkg/logger"
	"github.com/course-assistant/backend/pkg/utils"
)

const (
	CorpusCourse = "course"
	CorpusUser   = "user"
)

var ErrInvalidUpload = errors.New("invalid upload reference")

type DocumentStore interface {
	InsertDocument(ctx context.Context, doc *models.Document, chunks []models.DocumentChunk) error
	ListDocuments(ctx context.Context, owner string) ([]models.Document, error)
}

type Result struct {
	File    string
	Chunks  int
	Message string
}

type Processor struct {
	embedder  llm.Embedder
	course    vector.Index
	user      vector.Index
	docs      DocumentStore
	splitter  *Splitter
	uploadDir string
}

func NewProcessor(embedder llm.Embedder, course, user vector.Index, docs DocumentStore, splitter *Splitter, uploadDir string) *Processor {
	return &Processor{
		embedder:  embedder,
		course:    course,
		user:      user,
		docs:      docs,
		splitter:  splitter,
		uploadDir: uploadDir,
	}
}

// StageUpload stores an uploaded file under the owner's upload directory and
// returns the reference a chat turn uses to attach it.
func (p *Processor) StageUpload(owner, name string, r io.Reader) (string, error) {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", ErrInvalidUpload
	}
	if !Supported(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(name))
	}

	dir := filepath.Join(p.uploadDir, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	ref := fmt.Sprintf("%s_%s_%s", owner, uuid.NewString(), name)
	f, err := os.Create(filepath.Join(dir, ref))
	if err != nil {
		return "", fmt.Errorf("failed to create upload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}

	logger.Info("Upload staged", zap.String("owner", owner), zap.String("ref", ref))
	return ref, nil
}

// ResolveUpload maps a staged reference back to a path inside the owner's directory.
func (p *Processor) ResolveUpload(owner, ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || !strings.HasPrefix(ref, owner+"_") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUpload, ref)
	}
	path := filepath.Join(p.uploadDir, owner, ref)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidUpload, ref)
	}
	return path, nil
}

func (p *Processor) IngestUserFile(ctx context.Context, owner, path string) (Result, error) {
	return p.ingest(ctx, p.user, CorpusUser, owner, path, displayName(owner, filepath.Base(path)))
}

// IngestCourseDirectory loads every supported file under dir into the shared
// corpus. Files that fail are logged and skipped.
func (p *Processor) IngestCourseDirectory(ctx context.Context, dir string) (int, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && Supported(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk course directory: %w", err)
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		rel, _ := filepath.Rel(dir, path)
		res, err := p.ingest(ctx, p.course, CorpusCourse, vector.SharedOwner, path, filepath.ToSlash(rel))
		if err != nil {
			if ctx.Err() != nil {
				return loaded, ctx.Err()
			}
			logger.Warn("Skipping course file", zap.String("file", rel), zap.Error(err))
			continue
		}
		loaded++
		logger.Info("Course file loaded", zap.String("file", rel), zap.Int("chunks", res.Chunks))
	}

	logger.Info("Course directory ingested", zap.String("dir", dir), zap.Int("files", loaded), zap.Int("found", len(paths)))
	return loaded, nil
}

func (p *Processor) ListDocuments(ctx context.Context, owner string) ([]models.Document, error) {
	return p.docs.ListDocuments(ctx, owner)
}

func (p *Processor) ingest(ctx context.Context, idx vector.Index, corpus, owner, path, name string) (Result, error) {
	res := Result{File: name}

	text, err := LoadFile(path)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(corpus, "failed").Inc()
		if errors.Is(err, ErrUnsupportedFormat) {
			res.Message = fmt.Sprintf("%s: unsupported file format, please upload pdf, docx, txt or csv", name)
		} else {
			res.Message = fmt.Sprintf("%s: the file could not be read", name)
		}
		return res, err
	}

	pieces := p.splitter.Split(text)
	if len(pieces) == 0 {
		metrics.DocumentsIngested.WithLabelValues(corpus, "empty").Inc()
		res.Message = fmt.Sprintf("%s: no text could be extracted", name)
		return res, fmt.Errorf("%w: %s", ErrEmptyDocument, name)
	}

	embeddings, err := p.embedder.GenerateBatchEmbeddings(ctx, pieces)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(corpus, "failed").Inc()
		res.Message = fmt.Sprintf("%s: indexing failed, please try again later", name)
		return res, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(pieces) {
		return res, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(pieces))
	}

	now := time.Now()
	docID := utils.DocumentID(owner, name)
	chunks := make([]vector.Chunk, len(pieces))
	rows := make([]models.DocumentChunk, len(pieces))
	for i, piece := range pieces {
		id := fmt.Sprintf("%s_chunk_%d", docID, i)
		chunks[i] = vector.Chunk{
			ID:         id,
			Text:       piece,
			Owner:      owner,
			SourceFile: name,
			Embedding:  embeddings[i],
		}
		rows[i] = models.DocumentChunk{ID: id, DocID: docID, ChunkIndex: i, Text: piece, CreatedAt: now}
	}

	if err := idx.Insert(ctx, chunks); err != nil {
		metrics.DocumentsIngested.WithLabelValues(corpus, "failed").Inc()
		res.Message = fmt.Sprintf("%s: indexing failed, please try again later", name)
		return res, fmt.Errorf("failed to insert into %s: %w", idx.Name(), err)
	}

	doc := &models.Document{
		ID:         docID,
		Owner:      owner,
		Corpus:     corpus,
		FileName:   name,
		ChunkCount: len(chunks),
		CreatedAt:  now,
	}
	if err := p.docs.InsertDocument(ctx, doc, rows); err != nil {
		return res, fmt.Errorf("failed to record document: %w", err)
	}

	metrics.DocumentsIngested.WithLabelValues(corpus, "ok").Inc()
	metrics.ChunksIngested.WithLabelValues(corpus).Add(float64(len(chunks)))

	res.Chunks = len(chunks)
	res.Message = fmt.Sprintf("%s uploaded: %d chunks indexed", name, len(chunks))

	logger.Info("Document processed successfully",
		zap.String("doc_id", docID),
		zap.String("owner", owner),
		zap.String("corpus", corpus),
		zap.Int("chunks", len(chunks)),
	)
	return res, nil
}

// displayName strips the "<owner>_<uuid>_" prefix a staged upload carries.
func displayName(owner, base string) string {
	rest, ok := strings.CutPrefix(base, owner+"_")
	if !ok {
		return base
	}
	if len(rest) > 37 && rest[36] == '_' {
		if _, err := uuid.Parse(rest[:36]); err == nil {
			return rest[37:]
		}
	}
	return rest
}
