package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keygate/internal/handlers"
	"keygate/internal/handlers/api"
	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/middleware"
	"keygate/internal/pipeline"
	"keygate/internal/preferences"
	"keygate/internal/store"
)

// Deps are the services the routes are built on.
type Deps struct {
	Store       store.Store
	Keys        *keys.Manager
	Preferences *preferences.Service
	Pipeline    *pipeline.Pipeline
}

// RegisterRoutes registers all application routes.
func (s *Server) RegisterRoutes(ctx context.Context, deps Deps) error {
	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(deps.Preferences, s.Cfg)

	// Initialize handlers
	authHandler, err := handlers.NewAuthHandler(ctx, s.Cfg, deps.Keys, s.Log)
	if err != nil {
		return err
	}
	dashboardHandler := handlers.NewDashboardHandler(deps.Preferences, deps.Pipeline, s.Cfg, s.Log)
	adminHandler := handlers.NewAdminHandler(deps.Keys, s.Cfg, s.Log)
	healthHandler := handlers.NewHealthHandler(deps.Store)
	apiKeysHandler := api.NewKeysHandler(deps.Keys, s.Log)

	// Key guessing gets a much tighter budget than general traffic.
	loginLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c fiber.Ctx) string {
			return "login:" + c.IP()
		},
	})

	s.App.Get("/healthz", healthHandler.Healthz)
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Auth routes
	s.App.Get("/login", authHandler.ShowLogin)
	s.App.Post("/login", loginLimiter, authHandler.Login)
	s.App.Post("/logout", authHandler.Logout)

	if authHandler.OIDCEnabled() {
		s.App.Get("/auth/login", authHandler.OIDCLogin)
		s.App.Get("/auth/callback", authHandler.OIDCCallback)
	} else {
		s.Log.Info("OIDC admin sign-in is disabled. Set OIDC_ISSUER and OIDC_CLIENT_ID to enable.")
	}

	// Holder routes
	s.App.Get("/", authMiddleware.RequireHolder, dashboardHandler.Index)
	s.App.Post("/settings", authMiddleware.RequireHolder, dashboardHandler.SaveSettings)
	s.App.Post("/upload", authMiddleware.RequireHolder, dashboardHandler.Upload)

	// Admin routes
	s.App.Get("/admin", authMiddleware.RequireAdmin, adminHandler.Index)
	s.App.Post("/admin/keys", authMiddleware.RequireAdmin, adminHandler.Issue)
	s.App.Post("/admin/keys/revoke", authMiddleware.RequireAdmin, adminHandler.Revoke)

	// JSON admin API
	if s.Cfg.AdminEnabled() {
		v1 := s.App.Group("/api/v1", authMiddleware.RequireAPIToken)
		v1.Post("/keys", apiKeysHandler.Issue)
		v1.Get("/keys", apiKeysHandler.List)
		v1.Get("/keys/summary", apiKeysHandler.Summary)
		v1.Delete("/keys/:token", apiKeysHandler.Revoke)
	} else {
		s.Log.Warn("No admin token configured; admin token login and API are disabled", logger.String("hint", "set ADMIN_TOKEN or ADMIN_TOKEN_HASH"))
	}

	return nil
}
