package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/agent"
	"github.com/course-assistant/backend/internal/api/handlers"
	"github.com/course-assistant/backend/internal/auth"
	"github.com/course-assistant/backend/internal/cache/redis"
	"github.com/course-assistant/backend/internal/chat"
	"github.com/course-assistant/backend/internal/ingestion"
	"github.com/course-assistant/backend/internal/llm"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/middleware/ratelimit"
	"github.com/course-assistant/backend/internal/middleware/security"
	"github.com/course-assistant/backend/internal/middleware/validation"
	"github.com/course-assistant/backend/internal/rag"
	"github.com/course-assistant/backend/internal/search/web"
	"github.com/course-assistant/backend/internal/session"
	"github.com/course-assistant/backend/internal/storage/sqlite"
	"github.com/course-assistant/backend/internal/vector"
	"github.com/course-assistant/backend/internal/vector/memory"
	"github.com/course-assistant/backend/internal/vector/pgvector"
	"github.com/course-assistant/backend/internal/vector/zilliz"
	"github.com/course-assistant/backend/pkg/config"
	appLogger "github.com/course-assistant/backend/pkg/logger"
)

func main() {
	ingestCourse := flag.Bool("ingest-course", false, "ingest the course material directory before serving")
	courseDir := flag.String("course-dir", "", "course material directory, overrides ingestion.courseDir")
	ingestOnly := flag.Bool("ingest-only", false, "exit after -ingest-course finishes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting course assistant API server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Pinger{"sqlite": sqliteClient}

	course, user, closeIndexes, err := openIndexes(ctx, cfg, checks)
	if err != nil {
		appLogger.Fatal("Failed to open vector indexes", zap.String("backend", cfg.Vector.Backend), zap.Error(err))
	}
	defer closeIndexes()

	llmClient := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		StreamTimeout:  time.Duration(cfg.LLM.StreamTimeoutSec) * time.Second,
	})

	var embedder llm.Embedder = llmClient
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		ttl := time.Duration(cfg.Redis.EmbeddingTTLH) * time.Hour
		embedder = redis.NewCachedEmbedder(llmClient, redisClient, llmClient.EmbeddingModel(), ttl)
		checks["redis"] = redisClient
	}

	if err := ingestion.ConfigurePDF(cfg.Ingestion.PDFLicenseKey); err != nil {
		appLogger.Warn("PDF extraction is not licensed, PDF uploads will fail", zap.Error(err))
	}

	splitter := ingestion.NewSplitter(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	processor := ingestion.NewProcessor(embedder, course, user, sqliteClient, splitter, cfg.Ingestion.UploadDir)

	if *ingestCourse {
		dir := cfg.Ingestion.CourseDir
		if *courseDir != "" {
			dir = *courseDir
		}
		loaded, err := processor.IngestCourseDirectory(ctx, dir)
		if err != nil {
			appLogger.Fatal("Failed to ingest course material", zap.String("dir", dir), zap.Error(err))
		}
		appLogger.Info("Course material ingested", zap.String("dir", dir), zap.Int("files", loaded))
		if *ingestOnly {
			return
		}
	}

	retriever := rag.NewRetriever(embedder, course, user)
	answerer := rag.NewAnswerer(retriever, llmClient, rag.DefaultK)

	webClient := web.NewClient(web.Config{
		SerpAPIKey: cfg.Search.SerpAPIKey,
		WeatherURL: cfg.Search.WeatherURL,
		MaxResults: cfg.Search.MaxResults,
		Timeout:    time.Duration(cfg.Search.TimeoutSec) * time.Second,
	})
	tools := agent.WebTools(webClient, cfg.Search.MaxResults, nil)
	if !cfg.Search.Enabled {
		tools = offlineTools(tools)
	}
	searchAgent := agent.New(llmClient, llmClient, agent.NewRegistry(tools...), cfg.LLM.MaxAgentSteps)

	registry := session.NewRegistry(cfg.Session.MaxSessions)
	history := chat.NewHistoryCache(sqliteClient, cfg.Session.HistoryTurns)
	chatService := chat.NewService(llmClient, answerer, searchAgent, processor, sqliteClient, history)

	tokens, err := auth.NewManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
	if err != nil {
		appLogger.Fatal("Failed to create token manager", zap.Error(err))
	}
	if cfg.Auth.JWTSecret == "change-me" && !cfg.Server.Development {
		appLogger.Warn("Using the default JWT secret outside development")
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()

	validationCfg := validation.Config{Logger: appLogger.GetLogger()}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ", ")
	}

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))

	handlers.SetupRoutes(app, handlers.Routes{
		Auth:       handlers.NewAuthHandler(sqliteClient, tokens),
		Sessions:   handlers.NewSessionHandler(registry, sqliteClient, history),
		Documents:  handlers.NewDocumentHandler(processor),
		WebSocket:  handlers.NewWebSocketHandler(chatService, registry, validation.DefaultMaxQueryLength),
		Health:     handlers.NewHealthHandler(checks),
		Limiter:    limiter,
		Validation: validationCfg,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("vector_backend", cfg.Vector.Backend),
		zap.Int("max_sessions", cfg.Session.MaxSessions),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// openIndexes connects the course and user collections on the configured
// backend and registers the backend's readiness check.
func openIndexes(ctx context.Context, cfg *config.Config, checks map[string]handlers.Pinger) (vector.Index, vector.Index, func(), error) {
	switch cfg.Vector.Backend {
	case "milvus":
		course, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Vector.CourseCollection, cfg.Zilliz.VectorDim)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect course collection: %w", err)
		}
		user, err := zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey, cfg.Vector.UserCollection, cfg.Zilliz.VectorDim)
		if err != nil {
			course.Close()
			return nil, nil, nil, fmt.Errorf("failed to connect user collection: %w", err)
		}
		closeAll := func() {
			course.Close()
			user.Close()
		}
		for _, c := range []*zilliz.Client{course, user} {
			if err := c.CreateCollection(ctx); err != nil {
				closeAll()
				return nil, nil, nil, fmt.Errorf("failed to create collection %s: %w", c.Name(), err)
			}
		}
		return course, user, closeAll, nil

	case "pgvector":
		pool, err := pgvector.NewPool(ctx, cfg.PGVector.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		course := pgvector.NewStore(pool, cfg.Vector.CourseCollection, cfg.PGVector.VectorDim)
		user := pgvector.NewStore(pool, cfg.Vector.UserCollection, cfg.PGVector.VectorDim)
		for _, s := range []*pgvector.Store{course, user} {
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, nil, err
			}
		}
		checks["postgres"] = pool
		return course, user, pool.Close, nil

	default:
		appLogger.Warn("Using in-memory vector indexes, embeddings are lost on restart")
		return memory.NewIndex(cfg.Vector.CourseCollection), memory.NewIndex(cfg.Vector.UserCollection), func() {}, nil
	}
}

// offlineTools keeps only the tools that do not reach the network.
func offlineTools(tools []agent.Tool) []agent.Tool {
	kept := tools[:0]
	for _, t := range tools {
		if t.Name == agent.ToolDateTime {
			kept = append(kept, t)
		}
	}
	return kept
}
