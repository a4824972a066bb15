// Package llmtest provides deterministic stand-ins for the model endpoints.
package llmtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/course-assistant/backend/internal/llm"
)

const Dim = 8

// HashEmbedder maps each text to a fixed pseudo-random vector.
type HashEmbedder struct {
	mu    sync.Mutex
	Calls int
	Err   error
}

func (h *HashEmbedder) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	h.mu.Lock()
	h.Calls++
	h.mu.Unlock()
	if h.Err != nil {
		return nil, h.Err
	}
	return Vector(text), nil
}

func (h *HashEmbedder) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.GenerateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func Vector(text string) []float32 {
	v := make([]float32, Dim)
	for i := range v {
		f := fnv.New32a()
		f.Write([]byte{byte(i)})
		f.Write([]byte(text))
		v[i] = float32(f.Sum32()%1000) / 1000
	}
	return v
}

// ScriptedCompleter replies with Reply, streamed as Tokens when set.
type ScriptedCompleter struct {
	mu       sync.Mutex
	Reply    string
	Tokens   []string
	Err      error
	Requests []llm.CompletionRequest
}

func (s *ScriptedCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.record(req)
	if s.Err != nil {
		return nil, s.Err
	}
	return &llm.CompletionResponse{Content: s.Reply}, nil
}

func (s *ScriptedCompleter) Stream(_ context.Context, req llm.CompletionRequest, onToken func(string) error) (string, error) {
	s.record(req)
	if s.Err != nil {
		return "", s.Err
	}

	tokens := s.Tokens
	if tokens == nil {
		tokens = []string{s.Reply}
	}
	var full strings.Builder
	for _, tok := range tokens {
		full.WriteString(tok)
		if err := onToken(tok); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

func (s *ScriptedCompleter) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

func (s *ScriptedCompleter) LastRequest() llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Requests) == 0 {
		return llm.CompletionRequest{}
	}
	return s.Requests[len(s.Requests)-1]
}

func (s *ScriptedCompleter) record(req llm.CompletionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
}
