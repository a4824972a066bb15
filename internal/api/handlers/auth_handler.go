package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-assistant/backend/internal/auth"
	"github.com/course-assistant/backend/internal/middleware/ratelimit"
	"github.com/course-assistant/backend/internal/middleware/validation"
	"github.com/course-assistant/backend/internal/storage/models"
	"github.com/course-assistant/backend/internal/storage/sqlite"
	"github.com/course-assistant/backend/pkg/logger"
)

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, username string) (*models.User, error)
}

type AuthHandler struct {
	users  UserStore
	tokens *auth.Manager
}

func NewAuthHandler(users UserStore, tokens *auth.Manager) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	creds := c.Locals(validation.CredentialsKey).(validation.Credentials)

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		logger.Error("Failed to hash password", zap.String("username", creds.Username), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process password",
		})
	}

	err = h.users.CreateUser(c.UserContext(), &models.User{
		Username:     creds.Username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	})
	if errors.Is(err, sqlite.ErrDuplicate) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": fmt.Sprintf("Registration failed, user '%s' already exists, please choose another username", creds.Username),
		})
	}
	if err != nil {
		logger.Error("Failed to create user", zap.String("username", creds.Username), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create user",
		})
	}

	logger.Info("User registered", zap.String("username", creds.Username))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":  "Registration successful!",
		"username": creds.Username,
	})
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	creds := c.Locals(validation.CredentialsKey).(validation.Credentials)

	user, err := h.users.GetUser(c.UserContext(), creds.Username)
	if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
		logger.Error("Failed to load user", zap.String("username", creds.Username), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process login",
		})
	}
	if user == nil || !auth.CheckPasswordHash(creds.Password, user.PasswordHash) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Incorrect username or password!",
		})
	}

	token, err := h.tokens.Generate(user.Username)
	if err != nil {
		logger.Error("Failed to generate token", zap.String("username", user.Username), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to generate token",
		})
	}

	return c.JSON(fiber.Map{
		"message":  "Login successful!",
		"token":    token,
		"username": user.Username,
	})
}

// RequireAuth accepts a bearer token, or a token query parameter for
// websocket upgrades, and stores the user under ratelimit.UserKey.
func (h *AuthHandler) RequireAuth(c *fiber.Ctx) error {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authorization header is required",
		})
	}

	userID, err := h.tokens.Validate(token)
	if err != nil {
		logger.Debug("Rejected token", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token",
		})
	}

	c.Locals(ratelimit.UserKey, userID)
	return c.Next()
}

func currentUser(c *fiber.Ctx) string {
	user, _ := c.Locals(ratelimit.UserKey).(string)
	return user
}
