package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "course_assistant_turn_duration_seconds",
			Help:    "Time from receiving a chat turn to its final answer",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"intent"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_turns_total",
			Help: "Chat turns by intent and outcome",
		},
		[]string{"intent", "status"},
	)

	RetrievalHits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "course_assistant_retrieval_hits",
			Help:    "Number of retrieved chunks per query and partition",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
		[]string{"partition"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	ToolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_tool_calls_total",
			Help: "Agent tool invocations",
		},
		[]string{"tool", "status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_documents_ingested_total",
			Help: "Documents ingested by corpus and outcome",
		},
		[]string{"corpus", "status"},
	)

	ChunksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_chunks_ingested_total",
			Help: "Chunks written to the vector index",
		},
		[]string{"corpus"},
	)

	SessionAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_assistant_session_allocations_total",
			Help: "Session slot allocations by outcome",
		},
		[]string{"status"},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "course_assistant_active_streams",
			Help: "Websocket chat connections currently open",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TurnDuration,
			TurnsTotal,
			RetrievalHits,
			LLMTokensUsed,
			ToolCalls,
			CacheHits,
			CacheMisses,
			DocumentsIngested,
			ChunksIngested,
			SessionAllocations,
			ActiveStreams,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
