package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/pkg/logger"
)

const DefaultMaxSteps = 6

var ErrStepLimit = errors.New("agent stopped after reaching the step limit")

const systemPrompt = `You are an experienced assistant who helps users complete tasks efficiently. You have these tools:

1. web_search: high quality web search, for the latest news and real-time information
2. web_scraping: fetch the content of a specific web page
3. get_realtime_weather: current weather for a city
4. datetime_operations: current time, date formatting and date calculation

Tool guide:
- Latest news or real-time facts: use web_search
- Content of a specific page: use web_scraping
- Current time or date arithmetic: use datetime_operations
- Weather: use get_realtime_weather

Use the conversation history when it already answers the question. Today is %s.`

const echoPrompt = "You are a precise assistant. Repeat the user's content in full, word for word. Do not add, remove or change anything."

// Step is one event of an agent run: ToolCallStarted, ToolCallFinished,
// AnswerChunk or Failed.
type Step interface {
	step()
}

type ToolCallStarted struct {
	Tool      string
	Arguments string
}

type ToolCallFinished struct {
	Tool   string
	Output string
}

type AnswerChunk struct {
	Text string
}

type Failed struct {
	Err error
}

func (ToolCallStarted) step()  {}
func (ToolCallFinished) step() {}
func (AnswerChunk) step()      {}
func (Failed) step()           {}

type Agent struct {
	caller    llm.ToolCaller
	completer llm.Completer
	tools     *Registry
	maxSteps  int
	now       func() time.Time
}

func New(caller llm.ToolCaller, completer llm.Completer, tools *Registry, maxSteps int) *Agent {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Agent{
		caller:    caller,
		completer: completer,
		tools:     tools,
		maxSteps:  maxSteps,
		now:       time.Now,
	}
}

// Run answers question with tool calls and streams the final answer through a
// verbatim echo completion. The channel is closed after the last step; a
// Failed step is always last.
func (a *Agent) Run(ctx context.Context, question string, history []llm.Message) <-chan Step {
	ch := make(chan Step)

	go func() {
		defer close(ch)

		send := func(s Step) bool {
			select {
			case ch <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		answer, err := a.solve(ctx, question, history, send)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Agent run failed", zap.Error(err))
				send(Failed{Err: err})
			}
			return
		}

		_, err = a.completer.Stream(ctx, llm.CompletionRequest{
			SystemPrompt: echoPrompt,
			UserPrompt:   answer,
		}, func(token string) error {
			if !send(AnswerChunk{Text: token}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("Agent answer stream failed", zap.Error(err))
			send(Failed{Err: fmt.Errorf("failed to stream answer: %w", err)})
		}
	}()

	return ch
}

func (a *Agent) solve(ctx context.Context, question string, history []llm.Message, send func(Step) bool) (string, error) {
	messages := llm.BuildMessages(llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(systemPrompt, a.now().Format("2006-01-02")),
		History:      history,
		UserPrompt:   question,
	})
	defs := a.tools.Definitions()

	for step := 0; step < a.maxSteps; step++ {
		msg, err := a.caller.CompleteWithTools(ctx, messages, defs)
		if err != nil {
			return "", fmt.Errorf("failed to plan step %d: %w", step+1, err)
		}
		if len(msg.ToolCalls) == 0 {
			logger.Debug("Agent finished", zap.Int("steps", step+1))
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			if !send(ToolCallStarted{Tool: name, Arguments: call.Function.Arguments}) {
				return "", ctx.Err()
			}

			logger.Info("Calling tool", zap.String("tool", name), zap.String("arguments", call.Function.Arguments))
			output, err := a.tools.Call(ctx, name, call.Function.Arguments)
			if err != nil {
				return "", err
			}

			if !send(ToolCallFinished{Tool: name, Output: output}) {
				return "", ctx.Err()
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				Name:       name,
				ToolCallID: call.ID,
			})
		}
	}

	return "", ErrStepLimit
}
