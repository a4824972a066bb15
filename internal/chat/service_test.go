package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/course-assistant/backend/internal/agent"
	"github.com/course-assistant/backend/internal/ingestion"
	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/llm/llmtest"
	"github.com/course-assistant/backend/internal/rag"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/internal/stream"
	"github.com/course-assistant/backend/internal/stream/streamtest"
)

type memStore struct {
	mu        sync.Mutex
	turns     []models.ChatTurn
	appendErr error
	listErr   error
}

func (m *memStore) AppendTurn(_ context.Context, turn *models.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.turns = append(m.turns, *turn)
	return nil
}

func (m *memStore) ListByChat(_ context.Context, chatID string) ([]models.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []models.ChatTurn
	for _, t := range m.turns {
		if t.ChatID == chatID {
			out = append(out, t)
		}
	}
	return out, nil
}

type answerCall struct {
	query   string
	owner   string
	scope   rag.Scope
	history []llm.Message
}

type fakeAnswerer struct {
	mu     sync.Mutex
	events []stream.Event
	calls  []answerCall
}

func (f *fakeAnswerer) Answer(ctx context.Context, query, owner string, scope rag.Scope, history []llm.Message) <-chan stream.Event {
	f.mu.Lock()
	f.calls = append(f.calls, answerCall{query, owner, scope, history})
	events := f.events
	f.mu.Unlock()
	return stream.Run(ctx, func(emit stream.Emitter) {
		for _, ev := range events {
			if emit.Send(ev) != nil {
				return
			}
		}
	})
}

type fakeRunner struct {
	steps []agent.Step
}

func (f *fakeRunner) Run(ctx context.Context, _ string, _ []llm.Message) <-chan agent.Step {
	ch := make(chan agent.Step)
	go func() {
		defer close(ch)
		for _, s := range f.steps {
			select {
			case ch <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

type fakeUploads struct {
	ingested []string
}

func (f *fakeUploads) ResolveUpload(owner, ref string) (string, error) {
	if !strings.HasPrefix(ref, owner+"_") {
		return "", ingestion.ErrInvalidUpload
	}
	return "/uploads/" + ref, nil
}

func (f *fakeUploads) IngestUserFile(_ context.Context, _ string, path string) (ingestion.Result, error) {
	f.ingested = append(f.ingested, path)
	name := strings.TrimPrefix(path, "/uploads/")
	return ingestion.Result{File: name, Chunks: 2, Message: fmt.Sprintf("%s uploaded: 2 chunks indexed", name)}, nil
}

type fixture struct {
	svc       *Service
	completer *llmtest.ScriptedCompleter
	answerer  *fakeAnswerer
	runner    *fakeRunner
	uploads   *fakeUploads
	store     *memStore
	history   *HistoryCache
}

func newFixture() *fixture {
	f := &fixture{
		completer: &llmtest.ScriptedCompleter{Tokens: []string{"Hel", "lo"}},
		answerer:  &fakeAnswerer{},
		runner:    &fakeRunner{},
		uploads:   &fakeUploads{},
		store:     &memStore{},
	}
	f.history = NewHistoryCache(f.store, 10)
	f.svc = NewService(f.completer, f.answerer, f.runner, f.uploads, f.store, f.history)
	f.svc.now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local) }
	return f
}

func kinds(events []stream.Event) []stream.Kind {
	out := make([]stream.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestRespond_EmptyInputIsGuidance(t *testing.T) {
	f := newFixture()

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "   "}))
	require.Len(t, events, 1)
	require.Equal(t, stream.KindAnswer, events[0].Kind)
	require.Equal(t, InputGuidance, events[0].Text)
	require.ErrorIs(t, events[0].Err, ErrInvalidInput)
	require.Zero(t, f.completer.CallCount())
	require.Empty(t, f.store.turns)
}

func TestRespond_NormalStreamsAndSaves(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	events := streamtest.Collect(f.svc.Respond(ctx, Turn{UserID: "u1", ChatID: "c1", Text: "hi"}))
	require.Equal(t, []stream.Kind{stream.KindToken, stream.KindToken, stream.KindAnswer}, kinds(events))
	require.Equal(t, "Hello", events[2].Text)

	require.Len(t, f.store.turns, 1)
	saved := f.store.turns[0]
	require.Equal(t, "u1", saved.UserID)
	require.Equal(t, "c1", saved.ChatID)
	require.Equal(t, "hi", saved.Question)
	require.Equal(t, "Hello", saved.Answer)
	require.Equal(t, normalPrompt, f.completer.LastRequest().SystemPrompt)

	streamtest.Collect(f.svc.Respond(ctx, Turn{UserID: "u1", ChatID: "c1", Text: "again"}))
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "Hello"},
	}, f.completer.LastRequest().History)
}

func TestRespond_ReopenedChatKeepsContext(t *testing.T) {
	f := newFixture()
	f.store.turns = []models.ChatTurn{
		{UserID: "u1", ChatID: "old", Question: "q1", Answer: "a1"},
		{UserID: "u1", ChatID: "other", Question: "x", Answer: "y"},
	}

	streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "old", Text: "q2"}))
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
	}, f.completer.LastRequest().History)
}

func TestRespond_HistoryLoadFailure(t *testing.T) {
	f := newFixture()
	f.store.listErr = errors.New("disk I/O error")

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "hi"}))
	require.Len(t, events, 1)
	require.Equal(t, stream.KindError, events[0].Kind)
	require.Zero(t, f.completer.CallCount())
}

func TestRespond_NormalUpstreamFailure(t *testing.T) {
	f := newFixture()
	f.completer.Err = errors.New("502 bad gateway")

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "hi"}))
	require.Len(t, events, 1)
	require.Equal(t, stream.KindError, events[0].Kind)
	require.Equal(t, upstreamFailure, events[0].Text)
	require.Empty(t, f.store.turns)
}

func TestRespond_SearchMapsAgentSteps(t *testing.T) {
	f := newFixture()
	f.runner.steps = []agent.Step{
		agent.ToolCallStarted{Tool: agent.ToolWebSearch, Arguments: `{"query":"x"}`},
		agent.ToolCallFinished{Tool: agent.ToolWebSearch, Output: "1. result"},
		agent.AnswerChunk{Text: "It is "},
		agent.AnswerChunk{Text: "sunny."},
	}

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "weather?", Mode: "web search"}))
	require.Equal(t, []stream.Event{
		stream.Progress("Calling tool: web_search"),
		stream.Progress(toolFinished),
		stream.Token("It is "),
		stream.Token("sunny."),
		stream.Answer("It is sunny."),
	}, events)
	require.Equal(t, "It is sunny.", f.store.turns[0].Answer)
}

func TestRespond_SearchFailure(t *testing.T) {
	f := newFixture()
	upstream := errors.New("tool planner down")
	f.runner.steps = []agent.Step{
		agent.ToolCallStarted{Tool: agent.ToolWeather},
		agent.Failed{Err: upstream},
	}

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "q", Mode: "web search"}))
	require.Equal(t, []stream.Kind{stream.KindProgress, stream.KindError}, kinds(events))
	require.ErrorIs(t, events[1].Err, upstream)
	require.Empty(t, f.store.turns)
}

func TestRespond_CourseConsultUsesCourseScope(t *testing.T) {
	f := newFixture()
	f.answerer.events = []stream.Event{stream.Progress("Searching the local knowledge base..."), stream.Token("A"), stream.Answer("A")}

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "grading?", Mode: "course consult"}))
	require.Equal(t, f.answerer.events, events)
	require.Len(t, f.answerer.calls, 1)
	require.Equal(t, rag.ScopeCourse, f.answerer.calls[0].scope)
	require.Equal(t, "u1", f.answerer.calls[0].owner)
}

func TestRespond_UploadIngestsThenAnswersFromUserScope(t *testing.T) {
	f := newFixture()
	f.answerer.events = []stream.Event{stream.Progress("Searching the local knowledge base..."), stream.Answer("Summary")}

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{
		UserID: "u1",
		ChatID: "c1",
		Text:   "summarise it",
		Files:  []string{"u1_a_notes.txt", "u2_b_secret.txt"},
		Mode:   "plain chat",
	}))

	texts := make([]string, len(events))
	for i, ev := range events {
		texts[i] = ev.Text
	}
	require.Equal(t, []string{
		processingUploads,
		"Uploading file 1/2",
		"u1_a_notes.txt uploaded: 2 chunks indexed",
		"Uploading file 2/2",
		"u2_b_secret.txt: file not found, please upload it again",
		"Searching the local knowledge base...",
		"Summary",
	}, texts)
	require.Equal(t, []string{"/uploads/u1_a_notes.txt"}, f.uploads.ingested)
	require.Equal(t, rag.ScopeUser, f.answerer.calls[0].scope)
}

func TestRespond_UploadWithEmptyCorpus(t *testing.T) {
	f := newFixture()
	f.answerer.events = []stream.Event{{Kind: stream.KindAnswer, Text: rag.EmptyCorpusGuidance, Err: rag.ErrEmptyCorpus}}

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "what's in it?", Files: []string{"bad"}}))
	last := events[len(events)-1]
	require.Equal(t, stream.KindAnswer, last.Kind)
	require.Equal(t, UploadFirst, last.Text)
}

func TestRespond_UploadWithoutQuestion(t *testing.T) {
	f := newFixture()

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Files: []string{"u1_x_a.txt"}}))
	last := events[len(events)-1]
	require.Equal(t, stream.Answer("u1_x_a.txt uploaded: 2 chunks indexed"), last)
	require.Empty(t, f.answerer.calls)
}

func TestRespond_SaveFailureFollowsAnswer(t *testing.T) {
	f := newFixture()
	f.store.appendErr = errors.New("database is locked")

	events := streamtest.Collect(f.svc.Respond(context.Background(), Turn{UserID: "u1", ChatID: "c1", Text: "hi"}))
	require.Equal(t, []stream.Kind{stream.KindToken, stream.KindToken, stream.KindAnswer, stream.KindError}, kinds(events))
	require.Equal(t, storageFailure, events[3].Text)
}

func TestHistoryCache_TrimsAndForgets(t *testing.T) {
	store := &memStore{}
	h := NewHistoryCache(store, 2)
	ctx := context.Background()

	msgs, err := h.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, msgs)

	for i := 0; i < 3; i++ {
		h.Append("c1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	msgs, err = h.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	require.Equal(t, "q1", msgs[0].Content)

	msgs[0].Content = "mutated"
	again, _ := h.Messages(ctx, "c1")
	require.Equal(t, "q1", again[0].Content)

	h.Forget("c1")
	store.turns = []models.ChatTurn{{ChatID: "c1", Question: "stored", Answer: "answer"}}
	msgs, err = h.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "stored", msgs[0].Content)
}
