package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/models"
)

// KeysHandler exposes key administration as JSON.
type KeysHandler struct {
	keys *keys.Manager
	log  logger.Logger
}

// NewKeysHandler creates a new API keys handler.
func NewKeysHandler(manager *keys.Manager, log logger.Logger) *KeysHandler {
	return &KeysHandler{keys: manager, log: log}
}

// IssueRequest is the body of POST /api/v1/keys.
type IssueRequest struct {
	Count int `json:"count"`
	// Days until expiry. Zero means the keys never expire.
	Days int `json:"days"`
}

// KeyResponse is one key in API responses.
type KeyResponse struct {
	Token     string     `json:"token"`
	State     string     `json:"state"`
	HolderID  *uuid.UUID `json:"holder_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Issue creates a batch of keys.
func (h *KeysHandler) Issue(c fiber.Ctx) error {
	var req IssueRequest
	if err := c.Bind().JSON(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Days < 0 {
		return jsonError(c, fiber.StatusBadRequest, "days must not be negative")
	}

	issued, err := h.keys.Issue(c.Context(), req.Count, time.Duration(req.Days)*24*time.Hour)
	if errors.Is(err, keys.ErrInvalidCount) || errors.Is(err, keys.ErrInvalidTTL) {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		h.log.Error("API key issue failed", logger.Error(err))
		return jsonError(c, fiber.StatusInternalServerError, "failed to issue keys")
	}

	out := make([]KeyResponse, len(issued))
	for i, k := range issued {
		out[i] = KeyResponse{Token: k.Token, State: models.KeyIssued, ExpiresAt: k.ExpiresAt}
	}
	return jsonStatus(c, fiber.StatusCreated, out)
}

// List returns every key with its derived state.
func (h *KeysHandler) List(c fiber.Ctx) error {
	out := []KeyResponse{}
	for k, err := range h.keys.List(c.Context()) {
		if err != nil {
			h.log.Error("API key list failed", logger.Error(err))
			return jsonError(c, fiber.StatusInternalServerError, "failed to list keys")
		}
		out = append(out, KeyResponse{Token: k.Token, State: k.State, HolderID: k.HolderID, ExpiresAt: k.ExpiresAt})
	}
	return jsonSuccess(c, out)
}

// Revoke deletes a redeemed key and its holder's settings.
func (h *KeysHandler) Revoke(c fiber.Ctx) error {
	holderID, err := h.keys.Revoke(c.Context(), c.Params("token"))
	switch {
	case errors.Is(err, keys.ErrNotFound):
		return jsonError(c, fiber.StatusNotFound, "key not found")
	case errors.Is(err, keys.ErrNotRedeemed):
		return jsonError(c, fiber.StatusConflict, "key is unused")
	case err != nil:
		h.log.Error("API key revoke failed", logger.Error(err))
		return jsonError(c, fiber.StatusInternalServerError, "failed to revoke key")
	}
	return jsonSuccess(c, fiber.Map{"revoked": c.Params("token"), "holder_id": holderID})
}

// Summary returns key counts per state.
func (h *KeysHandler) Summary(c fiber.Ctx) error {
	s, err := h.keys.Summary(c.Context())
	if err != nil {
		h.log.Error("API key summary failed", logger.Error(err))
		return jsonError(c, fiber.StatusInternalServerError, "failed to summarize keys")
	}
	return jsonSuccess(c, fiber.Map{
		"issued":   s.Issued,
		"redeemed": s.Redeemed,
		"expired":  s.Expired,
		"total":    s.Total(),
	})
}
