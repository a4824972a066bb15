package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/course-assistant/backend/internal/intent"
	"github.com/course-assistant/backend/internal/metrics"
	"github.com/course-assistant/backend/internal/middleware/ratelimit"
	"github.com/course-assistant/backend/internal/middleware/validation"
)

type Routes struct {
	Auth       *AuthHandler
	Sessions   *SessionHandler
	Documents  *DocumentHandler
	WebSocket  *WebSocketHandler
	Health     *HealthHandler
	Limiter    *ratelimit.RateLimiter
	Validation validation.Config
}

func SetupRoutes(app *fiber.App, r Routes) {
	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(validation.ContentType(r.Validation))

	api.Get("/health", r.Health.Health)
	api.Get("/ready", r.Health.Ready)
	api.Get("/modes", listModes)

	limit := r.Limiter.Middleware()
	credentials := validation.CredentialsMiddleware(r.Validation)
	api.Post("/auth/register", limit, credentials, r.Auth.Register)
	api.Post("/auth/login", limit, credentials, r.Auth.Login)

	authed := r.Auth.RequireAuth
	api.Get("/sessions", authed, limit, r.Sessions.List)
	api.Post("/sessions", authed, limit, r.Sessions.Create)
	api.Get("/sessions/:chatID", authed, limit, r.Sessions.Get)
	api.Delete("/sessions/:bucket/:index", authed, limit, r.Sessions.Delete)

	api.Post("/uploads", authed, limit, r.Documents.Upload)
	api.Get("/documents", authed, limit, r.Documents.List)

	api.Get("/ws/chat", requireUpgrade, authed, websocket.New(r.WebSocket.HandleConnection))
}

func listModes(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"modes": intent.Labels()})
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
