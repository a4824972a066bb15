package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/pkg/circuitbreaker"
	"github.com/course-assistant/backend/pkg/logger"
	"github.com/course-assistant/backend/pkg/retry"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

var ErrEmptyResponse = errors.New("model returned no choices")

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	SystemPrompt string
	History      []Message
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completer produces chat completions, either whole or token by token.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req CompletionRequest, onToken func(string) error) (string, error)
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type ToolCaller interface {
	CompleteWithTools(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
}

type Config struct {
	APIKey             string
	BaseURL            string
	Model              string
	EmbeddingModel     string
	Temperature        float32
	MaxTokens          int
	Timeout            time.Duration
	StreamTimeout      time.Duration
	EmbeddingBatchSize int
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	streamTimeout  time.Duration
	batchSize      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.StreamTimeout == 0 {
		cfg.StreamTimeout = 10 * time.Minute
	}
	if cfg.EmbeddingBatchSize == 0 {
		cfg.EmbeddingBatchSize = 10
	}

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      isRetryable,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.String("base_url", oc.BaseURL),
	)

	return &Client{
		client:         openai.NewClientWithConfig(oc),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		streamTimeout:  cfg.StreamTimeout,
		batchSize:      cfg.EmbeddingBatchSize,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

func (c *Client) chatRequest(req CompletionRequest) openai.ChatCompletionRequest {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	return openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    BuildMessages(req),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// BuildMessages lays out system prompt, prior turns and the new user prompt.
func BuildMessages(req CompletionRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: RoleUser, Content: req.UserPrompt})
	return messages
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := c.chatRequest(req)
	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, request)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}

			c.recordUsage(resp.Usage)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Stream forwards each content delta to onToken in arrival order and returns the
// assembled text. Only opening the stream is retried; once a token has been
// delivered a failure ends the call. The whole stream is bounded by the stream
// timeout, not the per-request one.
func (c *Client) Stream(ctx context.Context, req CompletionRequest, onToken func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	request := c.chatRequest(req)
	request.Stream = true

	var stream *openai.ChatCompletionStream
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			s, err := c.client.CreateChatCompletionStream(ctx, request)
			if err != nil {
				return fmt.Errorf("failed to open completion stream: %w", err)
			}
			stream = s
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("failed to receive stream chunk: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := onToken(delta); err != nil {
			return full.String(), err
		}
	}

	logger.Debug("LLM stream finished", zap.Int("length", full.Len()))
	return full.String(), nil
}

func (c *Client) CompleteWithTools(ctx context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var message openai.ChatCompletionMessage
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(ctx, request)
			if err != nil {
				return fmt.Errorf("failed to create tool completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyResponse)
			}
			c.recordUsage(resp.Usage)
			message = resp.Choices[0].Message
			return nil
		})
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}

	logger.Debug("Tool completion generated", zap.Int("tool_calls", len(message.ToolCalls)))
	return message, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := min(i+c.batchSize, len(texts))

		batch, err := c.embed(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, batch...)
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

func (c *Client) embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var out [][]float32
	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: texts,
				Model: openai.EmbeddingModel(c.embeddingModel),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embeddings: %w", err)
			}
			if len(resp.Data) != len(texts) {
				return retry.Permanent(fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(texts)))
			}

			batch := make([][]float32, len(texts))
			for pos, data := range resp.Data {
				idx := data.Index
				if idx < 0 || idx >= len(batch) {
					idx = pos
				}
				batch[idx] = data.Embedding
			}
			out = batch
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (c *Client) recordUsage(u openai.Usage) {
	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(u.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(u.CompletionTokens))
	logger.Debug("LLM completion generated",
		zap.Int("prompt_tokens", u.PromptTokens),
		zap.Int("completion_tokens", u.CompletionTokens),
	)
}

// isRetryable treats client-side rejections other than rate limits as final.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code < 400 || code >= 500
}
