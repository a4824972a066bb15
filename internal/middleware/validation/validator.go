package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// CredentialsKey is the fiber local the validated credentials are stored under.
const CredentialsKey = "credentials"

const DefaultMaxQueryLength = 5000

var (
	usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.@-]+$`)
	xssPattern      = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

	ErrEmptyQuery   = errors.New("query is empty")
	ErrQueryTooLong = errors.New("query exceeds maximum length")
)

type Config struct {
	MaxQueryLength      int
	MaxUsernameLength   int
	MaxPasswordLength   int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (cfg *Config) defaults() {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	if cfg.MaxUsernameLength == 0 {
		cfg.MaxUsernameLength = 64
	}
	if cfg.MaxPasswordLength == 0 {
		cfg.MaxPasswordLength = 72
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{"application/json", "multipart/form-data"}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// ContentType rejects POST and PUT bodies of a type the API does not accept.
func ContentType(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := c.Get(fiber.HeaderContentType)
		if contentType == "" {
			return c.Next()
		}
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.Contains(contentType, allowed) {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

// CredentialsMiddleware parses and checks a register or login body, storing
// the result under CredentialsKey.
func CredentialsMiddleware(cfg Config) fiber.Handler {
	cfg.defaults()

	return func(c *fiber.Ctx) error {
		var req Credentials
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid JSON format",
			})
		}

		req.Username = strings.TrimSpace(req.Username)
		if req.Username == "" || strings.TrimSpace(req.Password) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Username and password cannot be empty",
			})
		}

		if utf8.RuneCountInString(req.Username) > cfg.MaxUsernameLength || !usernamePattern.MatchString(req.Username) {
			cfg.Logger.Warn("Rejected username", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("Username must be at most %d letters, digits or _.@-", cfg.MaxUsernameLength),
			})
		}

		if len(req.Password) > cfg.MaxPasswordLength {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": fmt.Sprintf("Password must be at most %d bytes", cfg.MaxPasswordLength),
			})
		}

		c.Locals(CredentialsKey, req)
		return c.Next()
	}
}

// Query trims and checks a chat question. An empty question is allowed when
// files are attached.
func Query(text string, hasFiles bool, maxLength int) (string, error) {
	text = sanitizeString(text)
	if text == "" && !hasFiles {
		return "", ErrEmptyQuery
	}
	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		return "", ErrQueryTooLong
	}
	return text, nil
}

func ContainsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func sanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	return strings.TrimSpace(input)
}
