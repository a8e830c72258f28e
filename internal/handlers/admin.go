package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"keygate/internal/config"
	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/models"
)

// AdminHandler serves the key administration pages.
type AdminHandler struct {
	keys *keys.Manager
	cfg  *config.Config
	log  logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(manager *keys.Manager, cfg *config.Config, log logger.Logger) *AdminHandler {
	return &AdminHandler{keys: manager, cfg: cfg, log: log}
}

func (h *AdminHandler) page(c fiber.Ctx, status int, extra fiber.Map) error {
	var listing []models.KeyListing
	for k, err := range h.keys.List(c.Context()) {
		if err != nil {
			return err
		}
		listing = append(listing, k)
	}

	var summary models.KeySummary
	for _, k := range listing {
		summary.Add(k.State)
	}

	data := fiber.Map{
		"Title":    "Admin Panel",
		"LoggedIn": true,
		"Keys":     listing,
		"Summary":  summary,
	}
	for k, v := range extra {
		data[k] = v
	}
	return c.Status(status).Render("admin", popFlash(c, MergeBranding(data, h.cfg)))
}

// Index lists all keys.
func (h *AdminHandler) Index(c fiber.Ctx) error {
	return h.page(c, fiber.StatusOK, nil)
}

// Issue generates a batch of keys and shows them once.
func (h *AdminHandler) Issue(c fiber.Ctx) error {
	count, err := strconv.Atoi(c.FormValue("count", "1"))
	if err != nil || count < 1 || count > keys.MaxBatch {
		return h.page(c, fiber.StatusBadRequest, fiber.Map{
			"FlashKind": FlashError,
			"Flash":     "Number of keys must be between 1 and " + strconv.Itoa(keys.MaxBatch) + ".",
		})
	}
	days, err := strconv.Atoi(c.FormValue("days", "30"))
	if err != nil || days < 1 {
		return h.page(c, fiber.StatusBadRequest, fiber.Map{
			"FlashKind": FlashError,
			"Flash":     "Expiration days must be at least 1.",
		})
	}

	issued, err := h.keys.Issue(c.Context(), count, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	h.log.Info("Keys issued", logger.Int("count", count), logger.Int("days", days))

	msg := "Generated " + strconv.Itoa(count) + " keys"
	if exp := issued[0].ExpiresAt; exp != nil {
		msg += " (expire on " + exp.Format("2006-01-02 15:04:05") + ")"
	}
	return h.page(c, fiber.StatusOK, fiber.Map{
		"FlashKind": FlashSuccess,
		"Flash":     msg,
		"Issued":    issued,
	})
}

// Revoke deletes a redeemed key and its holder's settings.
func (h *AdminHandler) Revoke(c fiber.Ctx) error {
	token := c.FormValue("token")

	holderID, err := h.keys.Revoke(c.Context(), token)
	switch {
	case errors.Is(err, keys.ErrNotFound):
		setFlash(c, FlashError, "Invalid key.")
	case errors.Is(err, keys.ErrNotRedeemed):
		setFlash(c, FlashWarning, "Key is unused.")
	case err != nil:
		return err
	default:
		h.log.Info("Key revoked", logger.String("holder_id", holderID.String()))
		setFlash(c, FlashSuccess, "Key "+token+" revoked.")
	}
	return c.Redirect().To("/admin")
}
