package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/chat"
	"github.com/course-assistant/backend/internal/session"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/pkg/logger"
)

type SessionStore interface {
	ListByUser(ctx context.Context, userID string) ([]models.SessionSummary, error)
	ListByChat(ctx context.Context, chatID string) ([]models.ChatTurn, error)
	DeleteChat(ctx context.Context, userID, chatID string) (int64, error)
}

type SessionHandler struct {
	registry *session.Registry
	store    SessionStore
	history  *chat.HistoryCache
	now      func() time.Time
}

func NewSessionHandler(registry *session.Registry, store SessionStore, history *chat.HistoryCache) *SessionHandler {
	return &SessionHandler{registry: registry, store: store, history: history, now: time.Now}
}

func bucketsJSON(s session.Snapshot) fiber.Map {
	return fiber.Map{
		session.Today.String():     s.Buckets[session.Today],
		session.Yesterday.String(): s.Buckets[session.Yesterday],
		session.Older.String():     s.Buckets[session.Older],
	}
}

// List rebuilds the caller's slots from the stored history.
func (h *SessionHandler) List(c *fiber.Ctx) error {
	userID := currentUser(c)

	sessions, err := h.store.ListByUser(c.UserContext(), userID)
	if err != nil {
		logger.Error("Failed to list sessions", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sessions",
		})
	}

	snap := h.registry.Load(userID, sessions, h.now())
	return c.JSON(fiber.Map{
		"buckets":      bucketsJSON(snap),
		"max_sessions": h.registry.MaxSessions(),
	})
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	userID := currentUser(c)

	alloc, err := h.registry.Allocate(userID)
	if errors.Is(err, session.ErrSlotsExhausted) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Maximum number of sessions reached, please delete a conversation first",
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"chat_id":    alloc.ChatID,
		"bucket":     alloc.Bucket.String(),
		"index":      alloc.Index,
		"visibility": alloc.Visibility,
		"welcome": []string{
			"Welcome to the course consultation assistant!",
			"Hello " + userID + ", glad to help you!",
		},
	})
}

// Get returns the transcript of one of the caller's sessions.
func (h *SessionHandler) Get(c *fiber.Ctx) error {
	userID := currentUser(c)
	chatID := c.Params("chatID")

	turns, err := h.store.ListByChat(c.UserContext(), chatID)
	if err != nil {
		logger.Error("Failed to load session", zap.String("chat_id", chatID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load session",
		})
	}

	if len(turns) == 0 && !h.registry.Owns(userID, chatID) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	}

	messages := make([]fiber.Map, 0, 2*len(turns))
	for _, t := range turns {
		if t.UserID != userID {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		}
		messages = append(messages,
			fiber.Map{"role": "user", "content": t.Question},
			fiber.Map{"role": "assistant", "content": t.Answer},
		)
	}

	return c.JSON(fiber.Map{
		"chat_id":  chatID,
		"messages": messages,
	})
}

// Delete removes the session in a slot and its stored turns, then compacts the
// bucket. The caller names the chat it expects in the slot; a repeated request
// finds a different chat there and is refused.
func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	userID := currentUser(c)

	bucket, err := session.ParseBucket(c.Params("bucket"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid slot index"})
	}

	chatID := c.Query("chat_id")
	if chatID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "chat_id is required"})
	}

	released, err := h.registry.Release(userID, bucket, index, chatID)
	if errors.Is(err, session.ErrInvalidSlot) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	h.history.Forget(released.ChatID)

	deleted, err := h.store.DeleteChat(c.UserContext(), userID, released.ChatID)
	if err != nil {
		logger.Error("Failed to delete session", zap.String("chat_id", released.ChatID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete session",
		})
	}

	return c.JSON(fiber.Map{
		"chat_id":       released.ChatID,
		"bucket":        released.Bucket.String(),
		"visibility":    released.Visibility,
		"deleted_turns": deleted,
	})
}
