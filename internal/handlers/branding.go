package handlers

import (
	"github.com/gofiber/fiber/v3"

	"keygate/internal/config"
)

// MergeBranding adds the site chrome every layout render needs.
func MergeBranding(data fiber.Map, cfg *config.Config) fiber.Map {
	data["SiteTitle"] = cfg.SiteTitle
	data["SiteTagline"] = cfg.SiteTagline
	data["SiteFooter"] = cfg.SiteFooter
	data["OIDCEnabled"] = cfg.OIDCEnabled()
	return data
}
