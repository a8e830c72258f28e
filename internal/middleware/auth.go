package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/session"
	"github.com/google/uuid"

	"keygate/internal/config"
	"keygate/internal/models"
	"keygate/internal/preferences"
)

// Session keys.
const (
	SessionHolder = "holder_id"
	SessionAdmin  = "admin"
)

// AuthMiddleware guards holder, admin and API routes.
type AuthMiddleware struct {
	prefs *preferences.Service
	cfg   *config.Config
}

// NewAuthMiddleware creates a new auth middleware instance.
func NewAuthMiddleware(prefs *preferences.Service, cfg *config.Config) *AuthMiddleware {
	return &AuthMiddleware{prefs: prefs, cfg: cfg}
}

// RequireHolder ensures the session belongs to a holder whose key is still
// valid, redirecting to /login otherwise. Revoked holders lose their
// session on the next request.
func (m *AuthMiddleware) RequireHolder(c fiber.Ctx) error {
	sess := session.FromContext(c)
	if sess == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "session not available")
	}

	raw, _ := sess.Get(SessionHolder).(string)
	holderID, err := uuid.Parse(raw)
	if err != nil {
		return c.Redirect().To("/login")
	}

	prefs, err := m.prefs.Get(c.Context(), holderID)
	if errors.Is(err, preferences.ErrHolderNotFound) {
		sess.Destroy()
		return c.Redirect().To("/login")
	}
	if err != nil {
		return err
	}

	c.Locals("holder", prefs)
	return c.Next()
}

// RequireAdmin ensures the session was elevated by an admin login.
func (m *AuthMiddleware) RequireAdmin(c fiber.Ctx) error {
	sess := session.FromContext(c)
	if sess == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "session not available")
	}

	if isAdmin, _ := sess.Get(SessionAdmin).(bool); !isAdmin {
		return c.Redirect().To("/login")
	}
	return c.Next()
}

// RequireAPIToken checks the bearer token on JSON API requests.
func (m *AuthMiddleware) RequireAPIToken(c fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || !m.cfg.CheckAdminToken(strings.TrimSpace(token)) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"status": "error",
			"error":  "invalid or missing admin token",
		})
	}
	return c.Next()
}

// Holder returns the preferences loaded by RequireHolder.
func Holder(c fiber.Ctx) (*models.Preferences, bool) {
	p, ok := c.Locals("holder").(*models.Preferences)
	return p, ok
}
