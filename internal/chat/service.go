package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/agent"
	"github.com/course-assistant/backend/internal/ingestion"
	"github.com/course-assistant/backend/internal/intent"
	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/rag"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/internal/stream"
	"github.com/course-assistant/backend/pkg/logger"
)

var ErrInvalidInput = errors.New("empty query")

const (
	InputGuidance      = "Please enter a question or attach a file."
	UploadFirst        = "Please upload a file first!"
	processingUploads  = "Processing uploaded files, please wait..."
	toolFinished       = "Got tool results, composing the answer..."
	upstreamFailure    = "The answer service is temporarily unavailable, please try again later."
	storageFailure     = "The answer could not be saved to your history."
	historyUnavailable = "Your chat history could not be loaded, please try again later."
)

const normalPrompt = `You are a helpful chat assistant. Answer the user's question using the conversation history when it contains the information needed.
If you cannot answer, reply following these rules:
1. When the question needs real-time information or a web search, ask the user to switch modes, e.g. "Please choose the web search mode and I will search for it."
2. When the question is about the course, ask the user to switch modes, e.g. "Please choose the course consult mode and I will look up the course content."
3. When the user mentions an uploaded file, ask them to upload it first, e.g. "Please choose the file upload mode and upload the file so I can read it."
The three mode names must not change; the rest of the wording is up to you.`

type Turn struct {
	UserID string
	ChatID string
	Text   string
	Files  []string
	Mode   string
}

type Answerer interface {
	Answer(ctx context.Context, query, owner string, scope rag.Scope, history []llm.Message) <-chan stream.Event
}

type Runner interface {
	Run(ctx context.Context, question string, history []llm.Message) <-chan agent.Step
}

type Uploads interface {
	ResolveUpload(owner, ref string) (string, error)
	IngestUserFile(ctx context.Context, owner, path string) (ingestion.Result, error)
}

type TurnStore interface {
	AppendTurn(ctx context.Context, turn *models.ChatTurn) error
}

type Service struct {
	completer llm.Completer
	answerer  Answerer
	agent     Runner
	uploads   Uploads
	store     TurnStore
	history   *HistoryCache
	now       func() time.Time
}

func NewService(completer llm.Completer, answerer Answerer, agent Runner, uploads Uploads, store TurnStore, history *HistoryCache) *Service {
	return &Service{
		completer: completer,
		answerer:  answerer,
		agent:     agent,
		uploads:   uploads,
		store:     store,
		history:   history,
		now:       time.Now,
	}
}

// Respond routes a turn to its handler and streams the result. The answer is
// saved before the answer event is sent; if saving fails an error event
// follows the answer.
func (s *Service) Respond(ctx context.Context, turn Turn) <-chan stream.Event {
	return stream.Run(ctx, func(emit stream.Emitter) {
		start := time.Now()
		in := intent.Route(turn.Text, turn.Files, turn.Mode)
		label := string(in)

		if strings.TrimSpace(turn.Text) == "" && len(turn.Files) == 0 {
			metrics.TurnsTotal.WithLabelValues(label, "invalid").Inc()
			_ = emit.Send(stream.Event{Kind: stream.KindAnswer, Text: InputGuidance, Err: ErrInvalidInput})
			return
		}

		history, err := s.history.Messages(ctx, turn.ChatID)
		if err != nil {
			logger.Error("Failed to load chat history", zap.String("chat_id", turn.ChatID), zap.Error(err))
			metrics.TurnsTotal.WithLabelValues(label, "failed").Inc()
			_ = emit.Send(stream.Failure(historyUnavailable, err))
			return
		}

		logger.Info("Handling chat turn",
			zap.String("user_id", turn.UserID),
			zap.String("chat_id", turn.ChatID),
			zap.String("intent", label),
			zap.Int("files", len(turn.Files)),
		)

		var events <-chan stream.Event
		switch in {
		case intent.Search:
			events = s.search(ctx, turn.Text, history)
		case intent.RAG:
			events = s.answerer.Answer(ctx, turn.Text, turn.UserID, rag.ScopeCourse, history)
		case intent.Upload:
			events = s.upload(ctx, turn, history)
		default:
			events = s.normal(ctx, turn.Text, history)
		}

		status := "failed"
		defer func() {
			metrics.TurnsTotal.WithLabelValues(label, status).Inc()
			metrics.TurnDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}()

		for ev := range events {
			if ev.Kind != stream.KindAnswer {
				if err := emit.Send(ev); err != nil {
					return
				}
				continue
			}

			saveErr := s.save(ctx, turn, ev.Text)
			if err := emit.Send(ev); err != nil {
				return
			}
			if saveErr != nil {
				status = "unsaved"
				_ = emit.Send(stream.Failure(storageFailure, saveErr))
				return
			}
			status = "ok"
		}
	})
}

func (s *Service) save(ctx context.Context, turn Turn, answer string) error {
	err := s.store.AppendTurn(ctx, &models.ChatTurn{
		UserID:       turn.UserID,
		ChatID:       turn.ChatID,
		Question:     turn.Text,
		Answer:       answer,
		ResponseDate: s.now(),
	})
	if err != nil {
		logger.Error("Failed to save chat turn", zap.String("chat_id", turn.ChatID), zap.Error(err))
		return err
	}
	s.history.Append(turn.ChatID, turn.Text, answer)
	return nil
}

func (s *Service) normal(ctx context.Context, text string, history []llm.Message) <-chan stream.Event {
	return stream.Run(ctx, func(emit stream.Emitter) {
		full, err := s.completer.Stream(ctx, llm.CompletionRequest{
			SystemPrompt: normalPrompt,
			History:      history,
			UserPrompt:   text,
		}, func(token string) error {
			return emit.Send(stream.Token(token))
		})
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Chat completion failed", zap.Error(err))
				_ = emit.Send(stream.Failure(upstreamFailure, err))
			}
			return
		}
		_ = emit.Send(stream.Answer(full))
	})
}

func (s *Service) search(ctx context.Context, text string, history []llm.Message) <-chan stream.Event {
	return stream.Run(ctx, func(emit stream.Emitter) {
		var full strings.Builder
		for step := range s.agent.Run(ctx, text, history) {
			var ev stream.Event
			switch st := step.(type) {
			case agent.ToolCallStarted:
				ev = stream.Progress(fmt.Sprintf("Calling tool: %s", st.Tool))
			case agent.ToolCallFinished:
				ev = stream.Progress(toolFinished)
			case agent.AnswerChunk:
				full.WriteString(st.Text)
				ev = stream.Token(st.Text)
			case agent.Failed:
				_ = emit.Send(stream.Failure(upstreamFailure, st.Err))
				return
			default:
				continue
			}
			if err := emit.Send(ev); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		_ = emit.Send(stream.Answer(full.String()))
	})
}

func (s *Service) upload(ctx context.Context, turn Turn, history []llm.Message) <-chan stream.Event {
	return stream.Run(ctx, func(emit stream.Emitter) {
		if err := emit.Send(stream.Progress(processingUploads)); err != nil {
			return
		}

		var results []string
		for i, ref := range turn.Files {
			if err := emit.Send(stream.Progress(fmt.Sprintf("Uploading file %d/%d", i+1, len(turn.Files)))); err != nil {
				return
			}

			message := s.ingest(ctx, turn.UserID, ref)
			if ctx.Err() != nil {
				return
			}
			results = append(results, message)
			if err := emit.Send(stream.Progress(message)); err != nil {
				return
			}
		}

		if strings.TrimSpace(turn.Text) == "" {
			_ = emit.Send(stream.Answer(strings.Join(results, "\n")))
			return
		}

		for ev := range s.answerer.Answer(ctx, turn.Text, turn.UserID, rag.ScopeUser, history) {
			if ev.Kind == stream.KindAnswer && errors.Is(ev.Err, rag.ErrEmptyCorpus) {
				ev.Text = UploadFirst
			}
			if err := emit.Send(ev); err != nil {
				return
			}
		}
	})
}

func (s *Service) ingest(ctx context.Context, owner, ref string) string {
	path, err := s.uploads.ResolveUpload(owner, ref)
	if err != nil {
		logger.Warn("Unknown upload reference", zap.String("owner", owner), zap.String("ref", ref), zap.Error(err))
		return fmt.Sprintf("%s: file not found, please upload it again", ref)
	}

	res, err := s.uploads.IngestUserFile(ctx, owner, path)
	if err != nil {
		logger.Error("Failed to ingest upload", zap.String("owner", owner), zap.String("file", res.File), zap.Error(err))
		if res.Message == "" {
			return fmt.Sprintf("%s: upload failed", res.File)
		}
	}
	return res.Message
}
