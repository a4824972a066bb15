package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/ingestion"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/pkg/logger"
)

type DocumentService interface {
	StageUpload(owner, name string, r io.Reader) (string, error)
	ListDocuments(ctx context.Context, owner string) ([]models.Document, error)
}

type DocumentHandler struct {
	documents DocumentService
}

func NewDocumentHandler(documents DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

// Upload stages the multipart "files" (or a single "file") for the caller.
// The returned refs are attached to a chat turn to ingest them.
func (h *DocumentHandler) Upload(c *fiber.Ctx) error {
	userID := currentUser(c)

	form, err := c.MultipartForm()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid multipart form",
		})
	}

	files := append(form.File["files"], form.File["file"]...)
	if len(files) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "No file uploaded",
		})
	}

	staged := make([]fiber.Map, 0, len(files))
	for _, fh := range files {
		ref, err := h.stage(userID, fh)
		if errors.Is(err, ingestion.ErrUnsupportedFormat) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": fh.Filename + ": unsupported file format, please upload pdf, docx, txt or csv",
			})
		}
		if err != nil {
			logger.Error("Failed to stage upload", zap.String("user_id", userID), zap.String("file", fh.Filename), zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store " + fh.Filename,
			})
		}
		staged = append(staged, fiber.Map{"ref": ref, "name": fh.Filename, "size": fh.Size})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"files": staged})
}

func (h *DocumentHandler) stage(owner string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return h.documents.StageUpload(owner, fh.Filename, f)
}

func (h *DocumentHandler) List(c *fiber.Ctx) error {
	userID := currentUser(c)

	docs, err := h.documents.ListDocuments(c.UserContext(), userID)
	if err != nil {
		logger.Error("Failed to list documents", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list documents",
		})
	}

	out := make([]fiber.Map, 0, len(docs))
	for _, d := range docs {
		out = append(out, fiber.Map{
			"id":          d.ID,
			"file_name":   d.FileName,
			"chunk_count": d.ChunkCount,
			"created_at":  d.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"documents": out})
}
