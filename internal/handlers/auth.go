package handlers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/session"
	"golang.org/x/oauth2"

	"keygate/internal/config"
	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/metrics"
	"keygate/internal/middleware"
)

// AuthHandler handles key redemption, admin sign-in and logout.
type AuthHandler struct {
	keys *keys.Manager
	cfg  *config.Config
	log  logger.Logger

	// Set only when OIDC is configured.
	provider     *oidc.Provider
	oauth2Config oauth2.Config
	verifier     *oidc.IDTokenVerifier
}

// NewAuthHandler creates a new auth handler. OIDC discovery runs only when
// an issuer is configured.
func NewAuthHandler(ctx context.Context, cfg *config.Config, manager *keys.Manager, log logger.Logger) (*AuthHandler, error) {
	h := &AuthHandler{keys: manager, cfg: cfg, log: log}
	if !cfg.OIDCEnabled() {
		return h, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDCIssuer)
	if err != nil {
		return nil, err
	}

	h.provider = provider
	h.oauth2Config = oauth2.Config{
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}
	h.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.OIDCClientID})
	return h, nil
}

// OIDCEnabled returns true if the SSO routes should be mounted.
func (h *AuthHandler) OIDCEnabled() bool {
	return h.provider != nil
}

// ShowLogin renders the key entry form.
func (h *AuthHandler) ShowLogin(c fiber.Ctx) error {
	return c.Render("login", popFlash(c, MergeBranding(fiber.Map{"Title": "Login"}, h.cfg)))
}

// Login redeems a key, or elevates the session when the admin token is given.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	sess := session.FromContext(c)
	if sess == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "session not available")
	}

	key := c.FormValue("key")
	if h.cfg.AdminEnabled() && h.cfg.CheckAdminToken(key) {
		if err := sess.Regenerate(); err != nil {
			return err
		}
		sess.Set(middleware.SessionAdmin, true)
		h.log.Info("Admin signed in", logger.String("method", "token"), logger.String("ip", c.IP()))
		return c.Redirect().To("/admin")
	}

	holderID, err := h.keys.Redeem(c.Context(), key)
	if err != nil {
		msg, ok := redeemMessage(err)
		if !ok {
			h.log.Error("Key redemption failed", logger.Error(err))
			metrics.RecordRedemption("error")
			return err
		}
		metrics.RecordRedemption(redeemResult(err))
		return c.Status(fiber.StatusUnauthorized).Render("login", MergeBranding(fiber.Map{
			"Title":     "Login",
			"FlashKind": FlashError,
			"Flash":     msg,
		}, h.cfg))
	}

	metrics.RecordRedemption("success")
	if err := sess.Regenerate(); err != nil {
		return err
	}
	sess.Set(middleware.SessionHolder, holderID.String())
	h.log.Info("Key redeemed", logger.String("holder_id", holderID.String()))

	setFlash(c, FlashSuccess, "Key redeemed successfully! You can now use the app.")
	return c.Redirect().To("/")
}

// Logout clears the session.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	if sess := session.FromContext(c); sess != nil {
		sess.Destroy()
	}
	return c.Redirect().To("/login")
}

// OIDCLogin initiates the OIDC login flow for admins.
func (h *AuthHandler) OIDCLogin(c fiber.Ctx) error {
	state := generateState()

	sess := session.FromContext(c)
	if sess == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "session not available")
	}
	sess.Set("oauth_state", state)

	return c.Redirect().To(h.oauth2Config.AuthCodeURL(state))
}

// OIDCCallback completes the OIDC flow. Only allowlisted, verified emails
// are granted admin access.
func (h *AuthHandler) OIDCCallback(c fiber.Ctx) error {
	sess := session.FromContext(c)
	if sess == nil {
		return fiber.NewError(fiber.StatusInternalServerError, "session not available")
	}

	// Verify state
	savedState, _ := sess.Get("oauth_state").(string)
	if savedState == "" || savedState != c.Query("state") {
		return fiber.NewError(fiber.StatusBadRequest, "invalid state")
	}
	sess.Delete("oauth_state")

	oauth2Token, err := h.oauth2Config.Exchange(c.Context(), c.Query("code"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to exchange code")
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "missing id_token")
	}

	idToken, err := h.verifier.Verify(c.Context(), rawIDToken)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid id_token")
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified *bool  `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return err
	}

	// Some providers only put the email in userinfo.
	if claims.Email == "" {
		if info, err := h.provider.UserInfo(c.Context(), oauth2.StaticTokenSource(oauth2Token)); err == nil {
			claims.Email = info.Email
			verified := info.EmailVerified
			claims.EmailVerified = &verified
		} else {
			h.log.Warn("Failed to fetch userinfo", logger.Error(err))
		}
	}

	if claims.EmailVerified != nil && !*claims.EmailVerified {
		return fiber.NewError(fiber.StatusForbidden, "email address is not verified")
	}
	if !h.cfg.IsAdminEmail(claims.Email) {
		h.log.Warn("OIDC sign-in refused", logger.String("email", claims.Email))
		return fiber.NewError(fiber.StatusForbidden, "you are not an administrator")
	}

	if err := sess.Regenerate(); err != nil {
		return err
	}
	sess.Set(middleware.SessionAdmin, true)
	h.log.Info("Admin signed in", logger.String("method", "oidc"), logger.String("email", claims.Email))

	return c.Redirect().To("/admin")
}

// redeemMessage maps lifecycle errors to what the holder is shown.
func redeemMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, keys.ErrNotFound):
		return "Invalid key!", true
	case errors.Is(err, keys.ErrAlreadyUsed):
		return "This key has already been used!", true
	case errors.Is(err, keys.ErrExpired):
		return "This key has expired!", true
	default:
		return "", false
	}
}

func redeemResult(err error) string {
	switch {
	case errors.Is(err, keys.ErrNotFound):
		return "not_found"
	case errors.Is(err, keys.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, keys.ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

func generateState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
