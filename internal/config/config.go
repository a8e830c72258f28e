package config

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Environment
	Env      string // "development", "production", etc.
	LogLevel string

	// Server
	ServerAddr string
	BaseURL    string

	// Presentation
	ViewsDir  string
	StaticDir string

	// TLS
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// Storage. Postgres is used when DatabaseURL is set, otherwise JSON
	// files under DataDir.
	DatabaseURL string
	DataDir     string

	// Processing
	WorkDir              string
	MaxUploadSize        int64         // env: MAX_UPLOAD_SIZE, e.g. "50MB"
	DeliveryTimeout      time.Duration // env: DELIVERY_TIMEOUT
	AllowPrivateWebhooks bool
	TempMaxAge           time.Duration // run dirs older than this are swept
	JanitorInterval      time.Duration

	// Admin access
	AdminToken     string
	AdminTokenHash string // bcrypt hash, preferred over AdminToken
	AdminEmails    []string

	// OIDC admin sign-in
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string

	// Session
	SessionSecret string // Used for encrypting cookies (min 32 chars)
	SessionTTL    time.Duration
	RedisURL      string // Shared session storage, optional

	// CORS
	CORSOrigins string // Comma-separated allowed origins

	// Site Branding
	SiteTitle   string // env: SITE_TITLE, default: "keygate"
	SiteTagline string // env: SITE_TAGLINE
	SiteFooter  string // env: SITE_FOOTER
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ServerAddr: getEnv("SERVER_ADDR", ":3000"),
		BaseURL:    getEnv("BASE_URL", "http://localhost:3000"),

		ViewsDir:  getEnv("VIEWS_DIR", "./views"),
		StaticDir: getEnv("STATIC_DIR", "./static"),

		TLSEnabled:  getEnv("TLS_ENABLED", "") != "",
		TLSCertFile: getEnv("TLS_CERT_FILE", ""),
		TLSKeyFile:  getEnv("TLS_KEY_FILE", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DataDir:     getEnv("DATA_DIR", "./data"),
		WorkDir:     getEnv("WORK_DIR", ""),

		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
		AdminEmails:    splitList(getEnv("ADMIN_EMAILS", "")),

		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:  getEnv("OIDC_REDIRECT_URL", "http://localhost:3000/auth/callback"),

		SessionSecret: getEnv("SESSION_SECRET", "change-me-in-production-min-32-chars"),
		RedisURL:      getEnv("REDIS_URL", ""),
		CORSOrigins:   getEnv("CORS_ORIGINS", ""),

		SiteTitle:   getEnv("SITE_TITLE", "keygate"),
		SiteTagline: getEnv("SITE_TAGLINE", "Key-gated record cleaning"),
		SiteFooter:  getEnv("SITE_FOOTER", "keygate"),
	}

	var err error
	if cfg.MaxUploadSize, err = parseSize("MAX_UPLOAD_SIZE", "50MB"); err != nil {
		return nil, err
	}
	if cfg.DeliveryTimeout, err = parseDuration("DELIVERY_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.TempMaxAge, err = parseDuration("TEMP_MAX_AGE", "1h"); err != nil {
		return nil, err
	}
	if cfg.JanitorInterval, err = parseDuration("JANITOR_INTERVAL", "10m"); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = parseDuration("SESSION_TTL", "24h"); err != nil {
		return nil, err
	}
	if cfg.AllowPrivateWebhooks, err = parseBool("ALLOW_PRIVATE_WEBHOOKS", "false"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseSize(key, fallback string) (int64, error) {
	raw := getEnv(key, fallback)
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%s: invalid size %q", key, raw)
	}
	return int64(n), nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return d, nil
}

func parseBool(key, fallback string) (bool, error) {
	raw := getEnv(key, fallback)
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, raw)
	}
	return b, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDev returns true if the environment is set to development.
func (c *Config) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

// UsePostgres returns true if keys and preferences live in Postgres.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// AdminEnabled returns true if an admin token or hash is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminToken != "" || c.AdminTokenHash != ""
}

// OIDCEnabled returns true if admin SSO is configured.
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuer != "" && c.OIDCClientID != ""
}

// CheckAdminToken reports whether token grants admin access.
func (c *Config) CheckAdminToken(token string) bool {
	if token == "" {
		return false
	}
	if c.AdminTokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.AdminTokenHash), []byte(token)) == nil
	}
	if c.AdminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.AdminToken), []byte(token)) == 1
}

// IsAdminEmail reports whether email is on the admin allowlist.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range c.AdminEmails {
		if allowed == email {
			return true
		}
	}
	return false
}
