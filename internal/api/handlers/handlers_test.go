package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/course-assistant/backend/internal/auth"
	"github.com/course-assistant/backend/internal/chat"
	"github.com/course-assistant/backend/internal/ingestion"
	"github.com/course-assistant/backend/internal/llm/llmtest"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/middleware/ratelimit"
	"github.com/course-assistant/backend/internal/middleware/validation"
	"github.com/course-assistant/backend/internal/session"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/internal/storage/sqlite"
	"github.com/course-assistant/backend/internal/stream"
	"github.com/course-assistant/backend/internal/vector/memory"
)

type nopResponder struct{}

func (nopResponder) Respond(ctx context.Context, _ chat.Turn) <-chan stream.Event {
	return stream.Run(ctx, func(stream.Emitter) {})
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	app      *fiber.App
	db       *sqlite.Client
	tokens   *auth.Manager
	registry *session.Registry
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()

	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })

	tokens, err := auth.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	registry := session.NewRegistry(2)
	history := chat.NewHistoryCache(db, 10)
	processor := ingestion.NewProcessor(&llmtest.HashEmbedder{}, memory.NewIndex("course_db"), memory.NewIndex("user_db"),
		db, ingestion.NewSplitter(1000, 200), t.TempDir())

	limiter := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: 1000})
	t.Cleanup(limiter.Stop)

	if checks == nil {
		checks = map[string]Pinger{"sqlite": db}
	}

	app := fiber.New()
	SetupRoutes(app, Routes{
		Auth:       NewAuthHandler(db, tokens),
		Sessions:   NewSessionHandler(registry, db, history),
		Documents:  NewDocumentHandler(processor),
		WebSocket:  NewWebSocketHandler(nopResponder{}, registry, 5000),
		Health:     NewHealthHandler(checks),
		Limiter:    limiter,
		Validation: validation.Config{},
	})

	return &testServer{app: app, db: db, tokens: tokens, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)

	var out map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

func (s *testServer) postJSON(t *testing.T, path, token, body string) (int, map[string]interface{}) {
	return s.do(t, http.MethodPost, path, token, strings.NewReader(body), "application/json")
}

func (s *testServer) token(t *testing.T, user string) string {
	tok, err := s.tokens.Generate(user)
	require.NoError(t, err)
	return tok
}

func TestAuth_RegisterAndLogin(t *testing.T) {
	s := newTestServer(t, nil)
	creds := `{"username":"alice","password":"secret"}`

	status, _ := s.postJSON(t, "/api/v1/auth/register", "", creds)
	require.Equal(t, fiber.StatusCreated, status)

	status, body := s.postJSON(t, "/api/v1/auth/register", "", creds)
	require.Equal(t, fiber.StatusConflict, status)
	require.Contains(t, body["error"], "already exists")

	status, _ = s.postJSON(t, "/api/v1/auth/login", "", `{"username":"alice","password":"wrong"}`)
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.postJSON(t, "/api/v1/auth/login", "", `{"username":"nobody","password":"secret"}`)
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, body = s.postJSON(t, "/api/v1/auth/login", "", creds)
	require.Equal(t, fiber.StatusOK, status)
	token, ok := body["token"].(string)
	require.True(t, ok)

	sub, err := s.tokens.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "alice", sub)

	user, err := s.db.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.NotEqual(t, "secret", user.PasswordHash)
}

func TestAuth_Required(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, http.MethodGet, "/api/v1/sessions", "", nil, "")
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/sessions", "not-a-token", nil, "")
	require.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/sessions?token="+s.token(t, "alice"), "", nil, "")
	require.Equal(t, fiber.StatusOK, status)
}

func TestSessions_CreateUntilExhausted(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "alice")

	status, body := s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	require.Equal(t, fiber.StatusCreated, status)
	require.Equal(t, "today", body["bucket"])
	require.EqualValues(t, 1, body["index"])
	require.Equal(t, []interface{}{false, true}, body["visibility"])

	status, body = s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	require.Equal(t, fiber.StatusCreated, status)
	require.EqualValues(t, 0, body["index"])

	status, _ = s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	require.Equal(t, fiber.StatusConflict, status)
}

func TestSessions_CreateCountsAllocationOnce(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "alice")
	ok := metrics.SessionAllocations.WithLabelValues("ok")
	exhausted := metrics.SessionAllocations.WithLabelValues("exhausted")

	before := testutil.ToFloat64(ok)
	status, _ := s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	require.Equal(t, fiber.StatusCreated, status)
	require.Equal(t, before+1, testutil.ToFloat64(ok))

	_, _ = s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	before = testutil.ToFloat64(exhausted)
	status, _ = s.postJSON(t, "/api/v1/sessions", tok, `{}`)
	require.Equal(t, fiber.StatusConflict, status)
	require.Equal(t, before+1, testutil.ToFloat64(exhausted))
}

func TestModes_ListsFixedLabels(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, http.MethodGet, "/api/v1/modes", "", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, []interface{}{"plain chat", "web search", "course consult", "file upload"}, body["modes"])
}

func TestSessions_ListGetDelete(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	tok := s.token(t, "alice")

	now := time.Now()
	require.NoError(t, s.db.AppendTurn(ctx, &models.ChatTurn{UserID: "alice", ChatID: "old", Question: "q0", Answer: "a0", ResponseDate: now.AddDate(0, 0, -5)}))
	require.NoError(t, s.db.AppendTurn(ctx, &models.ChatTurn{UserID: "alice", ChatID: "c1", Question: "q1", Answer: "a1", ResponseDate: now}))
	require.NoError(t, s.db.AppendTurn(ctx, &models.ChatTurn{UserID: "alice", ChatID: "c2", Question: "q2", Answer: "a2", ResponseDate: now}))

	status, body := s.do(t, http.MethodGet, "/api/v1/sessions", tok, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	buckets := body["buckets"].(map[string]interface{})
	require.Equal(t, []interface{}{"c2", "c1"}, buckets["today"])
	require.Equal(t, []interface{}{"", "old"}, buckets["older"])

	status, body = s.do(t, http.MethodGet, "/api/v1/sessions/c1", tok, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, body["messages"], 2)

	status, _ = s.do(t, http.MethodGet, "/api/v1/sessions/c1", s.token(t, "mallory"), nil, "")
	require.Equal(t, fiber.StatusNotFound, status)

	status, body = s.do(t, http.MethodDelete, "/api/v1/sessions/today/1?chat_id=c1", tok, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "c1", body["chat_id"])
	require.Equal(t, []interface{}{false, true}, body["visibility"])
	require.EqualValues(t, 1, body["deleted_turns"])

	status, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/today/1?chat_id=c1", tok, nil, "")
	require.Equal(t, fiber.StatusNotFound, status, "a repeated delete must not free the session that shifted into the slot")
	require.True(t, s.registry.Owns("alice", "c2"))

	turns, err := s.db.ListByChat(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Equal(t, "c2", s.registry.Snapshot("alice").Buckets[session.Today][1])

	status, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/today/0?chat_id=c2", tok, nil, "")
	require.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/today/1", tok, nil, "")
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/tomorrow/0", tok, nil, "")
	require.Equal(t, fiber.StatusBadRequest, status)
}

func multipartBody(t *testing.T, field, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestDocuments_UploadAndList(t *testing.T) {
	s := newTestServer(t, nil)
	tok := s.token(t, "alice")

	body, contentType := multipartBody(t, "files", "notes.txt", "Lecture notes on recursion.")
	status, resp := s.do(t, http.MethodPost, "/api/v1/uploads", tok, body, contentType)
	require.Equal(t, fiber.StatusCreated, status)
	files := resp["files"].([]interface{})
	require.Len(t, files, 1)
	ref := files[0].(map[string]interface{})["ref"].(string)
	require.True(t, strings.HasPrefix(ref, "alice_"))
	require.True(t, strings.HasSuffix(ref, "_notes.txt"))

	body, contentType = multipartBody(t, "file", "slides.pptx", "binary")
	status, _ = s.do(t, http.MethodPost, "/api/v1/uploads", tok, body, contentType)
	require.Equal(t, fiber.StatusUnsupportedMediaType, status)

	status, resp = s.do(t, http.MethodGet, "/api/v1/documents", tok, nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Empty(t, resp["documents"])
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, nil)

	status, body := s.do(t, http.MethodGet, "/api/v1/health", "", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "healthy", body["status"])

	status, body = s.do(t, http.MethodGet, "/api/v1/ready", "", nil, "")
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, map[string]interface{}{"sqlite": "ok"}, body["checks"])

	down := newTestServer(t, map[string]Pinger{"redis": failingPinger{}})
	status, body = down.do(t, http.MethodGet, "/api/v1/ready", "", nil, "")
	require.Equal(t, fiber.StatusServiceUnavailable, status)
	require.Equal(t, "not ready", body["status"])
}

func TestWebSocket_RequiresUpgrade(t *testing.T) {
	s := newTestServer(t, nil)

	status, _ := s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/ws/chat?token=%s", s.token(t, "alice")), "", nil, "")
	require.Equal(t, fiber.StatusUpgradeRequired, status)
}
