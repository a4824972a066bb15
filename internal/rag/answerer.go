package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/stream"
	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/pkg/logger"
)

type Scope string

const (
	ScopeCourse Scope = "course"
	ScopeUser   Scope = "user"
	ScopeHybrid Scope = "hybrid"
)

const DefaultK = 6

var ErrEmptyCorpus = errors.New("no uploaded documents for this user")

const (
	EmptyCorpusGuidance = "You have not uploaded any documents yet. Please upload a file first, then ask about it."
	retrievalProgress   = "Searching the local knowledge base..."
	upstreamFailure     = "The answer service is temporarily unavailable, please try again later."
)

const systemPrompt = `You are a course assistant. Answer the question using the context below. If the context is not enough, say so.
Do not copy the context verbatim; reason over it and answer in your own words.
Never make up an answer; only use what the context supports.
If the user asks something unrelated to the documents, do not answer it and reply: "I am the course consultation assistant, please do not ask questions unrelated to the course content."
Then, depending on what the user seems to want, patiently suggest switching to the "web search" or "plain chat" mode.
Keep answers concise and well laid out.

Context:
%s`

type Answerer struct {
	retriever *Retriever
	completer llm.Completer
	k         int
}

func NewAnswerer(retriever *Retriever, completer llm.Completer, k int) *Answerer {
	if k <= 0 {
		k = DefaultK
	}
	return &Answerer{retriever: retriever, completer: completer, k: k}
}

// Answer streams one progress event, the completion tokens in arrival order,
// then a final answer event with the full text. A user-scope question from an
// owner with no documents yields a single guidance answer carrying ErrEmptyCorpus.
func (a *Answerer) Answer(ctx context.Context, query, owner string, scope Scope, history []llm.Message) <-chan stream.Event {
	return stream.Run(ctx, func(emit stream.Emitter) {
		if scope == ScopeUser {
			n, err := a.retriever.OwnerChunkCount(ctx, owner)
			if err != nil {
				logger.Error("Failed to count user documents", zap.String("owner", owner), zap.Error(err))
				_ = emit.Send(stream.Failure(upstreamFailure, err))
				return
			}
			if n == 0 {
				_ = emit.Send(stream.Event{Kind: stream.KindAnswer, Text: EmptyCorpusGuidance, Err: ErrEmptyCorpus})
				return
			}
		}

		if err := emit.Send(stream.Progress(retrievalProgress)); err != nil {
			return
		}

		hits, err := a.retrieve(ctx, query, owner, scope)
		if err != nil {
			logger.Error("Retrieval failed", zap.String("scope", string(scope)), zap.Error(err))
			_ = emit.Send(stream.Failure(upstreamFailure, err))
			return
		}

		full, err := a.completer.Stream(ctx, llm.CompletionRequest{
			SystemPrompt: fmt.Sprintf(systemPrompt, FormatContext(hits)),
			History:      history,
			UserPrompt:   query,
		}, func(token string) error {
			return emit.Send(stream.Token(token))
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Completion stream failed", zap.String("scope", string(scope)), zap.Error(err))
			_ = emit.Send(stream.Failure(upstreamFailure, err))
			return
		}

		_ = emit.Send(stream.Answer(full))
	})
}

func (a *Answerer) retrieve(ctx context.Context, query, owner string, scope Scope) ([]vector.Hit, error) {
	switch scope {
	case ScopeCourse:
		return a.retriever.SearchCourse(ctx, query, a.k)
	case ScopeUser:
		return a.retriever.SearchUser(ctx, query, owner, a.k)
	default:
		return a.retriever.Search(ctx, query, owner, a.k)
	}
}

func FormatContext(hits []vector.Hit) string {
	if len(hits) == 0 {
		return "(no matching passages)"
	}

	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, h.Partition)
		if h.Chunk.SourceFile != "" {
			fmt.Fprintf(&b, " / %s", h.Chunk.SourceFile)
		}
		b.WriteString("\n")
		b.WriteString(h.Chunk.Text)
	}
	return b.String()
}
