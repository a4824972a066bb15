package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/storage/models"
)

type TranscriptLoader interface {
	ListByChat(ctx context.Context, chatID string) ([]models.ChatTurn, error)
}

// HistoryCache holds the recent messages of each open chat. A chat is loaded
// from the store the first time it is used and kept to the last maxTurns
// question/answer pairs.
type HistoryCache struct {
	mu       sync.Mutex
	store    TranscriptLoader
	maxTurns int
	chats    map[string][]llm.Message
}

func NewHistoryCache(store TranscriptLoader, maxTurns int) *HistoryCache {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &HistoryCache{
		store:    store,
		maxTurns: maxTurns,
		chats:    make(map[string][]llm.Message),
	}
}

func (h *HistoryCache) Messages(ctx context.Context, chatID string) ([]llm.Message, error) {
	h.mu.Lock()
	msgs, ok := h.chats[chatID]
	h.mu.Unlock()
	if ok {
		return append([]llm.Message(nil), msgs...), nil
	}

	turns, err := h.store.ListByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	loaded := make([]llm.Message, 0, 2*len(turns))
	for _, t := range turns {
		loaded = append(loaded,
			llm.Message{Role: llm.RoleUser, Content: t.Question},
			llm.Message{Role: llm.RoleAssistant, Content: t.Answer},
		)
	}
	loaded = h.trim(loaded)

	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.chats[chatID]; ok {
		return append([]llm.Message(nil), current...), nil
	}
	h.chats[chatID] = loaded
	return append([]llm.Message(nil), loaded...), nil
}

func (h *HistoryCache) Append(chatID, question, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.chats[chatID],
		llm.Message{Role: llm.RoleUser, Content: question},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	h.chats[chatID] = h.trim(msgs)
}

func (h *HistoryCache) Forget(chatID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.chats, chatID)
}

func (h *HistoryCache) trim(msgs []llm.Message) []llm.Message {
	if limit := 2 * h.maxTurns; len(msgs) > limit {
		return append([]llm.Message(nil), msgs[len(msgs)-limit:]...)
	}
	return msgs
}
