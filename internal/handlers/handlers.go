package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/session"
)

const sessionFlash = "flash"

// Flash kinds rendered by the layout.
const (
	FlashSuccess = "success"
	FlashWarning = "warning"
	FlashError   = "error"
)

// setFlash stores a one-shot message shown after the next redirect.
func setFlash(c fiber.Ctx, kind, message string) {
	if sess := session.FromContext(c); sess != nil {
		sess.Set(sessionFlash, kind+"|"+message)
	}
}

// popFlash adds and clears any pending flash message.
func popFlash(c fiber.Ctx, data fiber.Map) fiber.Map {
	sess := session.FromContext(c)
	if sess == nil {
		return data
	}
	raw, _ := sess.Get(sessionFlash).(string)
	if raw == "" {
		return data
	}
	sess.Delete(sessionFlash)

	if kind, message, ok := strings.Cut(raw, "|"); ok {
		data["FlashKind"] = kind
		data["Flash"] = message
	}
	return data
}
