package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		APIKey:             "sk-test",
		BaseURL:            srv.URL + "/v1",
		Model:              "test-model",
		EmbeddingModel:     "test-embed",
		MaxTokens:          256,
		Timeout:            5 * time.Second,
		EmbeddingBatchSize: 2,
	})
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = 2 * time.Millisecond
	return c
}

func TestComplete_SendsSystemHistoryAndPrompt(t *testing.T) {
	var got openai.ChatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "be brief",
		History:      []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hey"}},
		UserPrompt:   "what now",
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, 4, resp.Usage.TotalTokens)

	require.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	require.Equal(t, RoleSystem, got.Messages[0].Role)
	require.Equal(t, "what now", got.Messages[3].Content)
}

func TestComplete_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad input","type":"invalid_request_error"}}`)
	})

	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, `{"error":{"message":"upstream","type":"server_error"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`)
	})

	resp, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestStream_ForwardsTokensInOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Lec", "ture ", "one"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var tokens []string
	full, err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "x"}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Lec", "ture ", "one"}, tokens)
	require.Equal(t, "Lecture one", full)
}

func TestStream_StopsWhenConsumerFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"t%d\"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stop := fmt.Errorf("consumer gone")
	seen := 0
	_, err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "x"}, func(string) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, seen)
}

func TestStream_OutlivesRequestTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"slow ", "but ", "healthy"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", tok)
			flusher.Flush()
			time.Sleep(40 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	c.timeout = 50 * time.Millisecond
	c.streamTimeout = 5 * time.Second

	full, err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "x"}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "slow but healthy", full)
}

func TestStream_BoundedByStreamTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	c.streamTimeout = 100 * time.Millisecond

	full, err := c.Stream(context.Background(), CompletionRequest{UserPrompt: "x"}, func(string) error { return nil })
	require.Error(t, err)
	require.Equal(t, "first", full)
}

func TestGenerateBatchEmbeddings_BatchesAndKeepsOrder(t *testing.T) {
	var batches int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&batches, 1)
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]string, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data[i] = fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d]}`, i, len(req.Input[i]))
		}
		fmt.Fprintf(w, `{"object":"list","data":[%s]}`, strings.Join(data, ","))
	})

	out, err := c.GenerateBatchEmbeddings(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1}, {2}, {3}}, out)
	require.Equal(t, int32(2), atomic.LoadInt32(&batches))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, isRetryable(fmt.Errorf("network down")))
	require.False(t, isRetryable(&openai.APIError{HTTPStatusCode: 401}))
	require.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 429}))
	require.True(t, isRetryable(&openai.APIError{HTTPStatusCode: 503}))
}
