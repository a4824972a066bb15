package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/chat"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/middleware/ratelimit"
	"github.com/course-assistant/backend/internal/middleware/validation"
	"github.com/course-assistant/backend/internal/session"
	"github.com/course-assistant/backend/internal/stream"
	"github.com/course-assistant/backend/pkg/logger"
)

type Responder interface {
	Respond(ctx context.Context, turn chat.Turn) <-chan stream.Event
}

type WebSocketHandler struct {
	chat           Responder
	registry       *session.Registry
	maxQueryLength int
}

func NewWebSocketHandler(responder Responder, registry *session.Registry, maxQueryLength int) *WebSocketHandler {
	return &WebSocketHandler{chat: responder, registry: registry, maxQueryLength: maxQueryLength}
}

type clientMessage struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Mode    string   `json:"mode"`
	ChatID  string   `json:"chat_id"`
	Files   []string `json:"files"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals(ratelimit.UserKey).(string)
	logger.Info("WebSocket connection established", zap.String("user_id", userID))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("user_id", userID))
	}()

	for {
		var msg clientMessage
		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Failed to read WebSocket message", zap.Error(err))
			}
			return
		}

		if msg.Type != "query" {
			continue
		}

		if err := h.handleQuery(ctx, c, userID, msg); err != nil {
			logger.Warn("Failed to stream response", zap.String("user_id", userID), zap.Error(err))
			return
		}
	}
}

// handleQuery streams one turn. Only write failures are returned.
func (h *WebSocketHandler) handleQuery(ctx context.Context, c *websocket.Conn, userID string, msg clientMessage) error {
	text, err := validation.Query(msg.Content, len(msg.Files) > 0, h.maxQueryLength)
	if errors.Is(err, validation.ErrQueryTooLong) {
		return h.send(c, "error", "Your question is too long, please shorten it.")
	}
	if validation.ContainsXSS(text) {
		logger.Warn("Markup in chat question", zap.String("user_id", userID))
	}

	chatID := msg.ChatID
	if chatID == "" {
		alloc, err := h.registry.Allocate(userID)
		if errors.Is(err, session.ErrSlotsExhausted) {
			return h.send(c, "error", "Maximum number of sessions reached, please delete a conversation first")
		}
		if err != nil {
			return h.send(c, "error", "Failed to create session")
		}
		chatID = alloc.ChatID
		if err := c.WriteJSON(map[string]interface{}{
			"type":       "session",
			"chat_id":    alloc.ChatID,
			"bucket":     alloc.Bucket.String(),
			"index":      alloc.Index,
			"visibility": alloc.Visibility,
		}); err != nil {
			return err
		}
	} else if !h.registry.Owns(userID, chatID) {
		return h.send(c, "error", "Unknown session, please reload your sessions")
	}

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := h.chat.Respond(turnCtx, chat.Turn{
		UserID: userID,
		ChatID: chatID,
		Text:   text,
		Files:  msg.Files,
		Mode:   msg.Mode,
	})
	for ev := range events {
		if err := h.send(c, string(ev.Kind), ev.Text); err != nil {
			return err
		}
	}

	return c.WriteJSON(map[string]interface{}{
		"type":    "complete",
		"chat_id": chatID,
	})
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType, content string) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}
