package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/search/web"
	"github.com/course-assistant/backend/pkg/logger"
)

const (
	ToolWebSearch = "web_search"
	ToolScrape    = "web_scraping"
	ToolDateTime  = "datetime_operations"
	ToolWeather   = "get_realtime_weather"
)

// Tool is a function the model may call. Call receives the raw JSON
// arguments the model produced.
type Tool struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
	Call        func(ctx context.Context, arguments string) (string, error)
}

type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name] = t
	}
	return r
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definitions() []openai.Tool {
	defs := make([]openai.Tool, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

// Call runs the named tool. Failures become the observation text so the model
// can react to them; only context cancellation is returned as an error.
func (r *Registry) Call(ctx context.Context, name, arguments string) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		metrics.ToolCalls.WithLabelValues(name, "unknown").Inc()
		return fmt.Sprintf("Unknown tool %q. Available tools: %v", name, r.Names()), nil
	}

	out, err := t.Call(ctx, arguments)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		metrics.ToolCalls.WithLabelValues(name, "failed").Inc()
		logger.Warn("Tool call failed", zap.String("tool", name), zap.Error(err))
		return fmt.Sprintf("%s failed: %v", name, err), nil
	}

	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return out, nil
}

func decodeArgs(arguments string, v any) error {
	if arguments == "" {
		arguments = "{}"
	}
	if err := json.Unmarshal([]byte(arguments), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// WebTools builds the search, scraping, datetime and weather tools on top of
// a web client.
func WebTools(client *web.Client, maxResults int, now func() time.Time) []Tool {
	if now == nil {
		now = time.Now
	}

	return []Tool{
		{
			Name:        ToolWebSearch,
			Description: "High quality web search, suited to recent news and real-time information.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"query": {Type: jsonschema.String, Description: "The search query"},
				},
				Required: []string{"query"},
			},
			Call: func(ctx context.Context, arguments string) (string, error) {
				var args struct {
					Query string `json:"query"`
				}
				if err := decodeArgs(arguments, &args); err != nil {
					return "", err
				}
				if args.Query == "" {
					return "", fmt.Errorf("query is required")
				}
				results, err := client.Search(ctx, args.Query, maxResults)
				if err != nil {
					return "", err
				}
				return web.FormatResults(results), nil
			},
		},
		{
			Name:        ToolScrape,
			Description: "Fetch a web page and return its text content.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"url": {Type: jsonschema.String, Description: "The URL of the page to fetch"},
				},
				Required: []string{"url"},
			},
			Call: func(ctx context.Context, arguments string) (string, error) {
				var args struct {
					URL string `json:"url"`
				}
				if err := decodeArgs(arguments, &args); err != nil {
					return "", err
				}
				return client.Scrape(ctx, args.URL)
			},
		},
		{
			Name:        ToolDateTime,
			Description: "Date and time operations: get the current time, format a date, or add days to a date.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"operation":     {Type: jsonschema.String, Enum: []string{"now", "format", "calculate", "timezone"}, Description: "Operation type"},
					"date_string":   {Type: jsonschema.String, Description: "ISO date to format or calculate from"},
					"format_string": {Type: jsonschema.String, Description: "strftime output format, default " + web.DefaultDateFormat},
					"days_offset":   {Type: jsonschema.Integer, Description: "Days to add when calculating"},
				},
				Required: []string{"operation"},
			},
			Call: func(_ context.Context, arguments string) (string, error) {
				var args web.DateTimeArgs
				if err := decodeArgs(arguments, &args); err != nil {
					return "", err
				}
				return web.DateTime(now(), args)
			},
		},
		{
			Name:        ToolWeather,
			Description: "Current weather for a city: conditions, temperature and wind.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"city": {Type: jsonschema.String, Description: "City name, e.g. Beijing, New York"},
				},
				Required: []string{"city"},
			},
			Call: func(ctx context.Context, arguments string) (string, error) {
				var args struct {
					City string `json:"city"`
				}
				if err := decodeArgs(arguments, &args); err != nil {
					return "", err
				}
				return client.Weather(ctx, args.City)
			},
		},
	}
}
