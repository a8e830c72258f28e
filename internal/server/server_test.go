package server

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/delivery"
	"keygate/internal/jsonstore"
	"keygate/internal/keys"
	"keygate/internal/logger"
	"keygate/internal/pipeline"
	"keygate/internal/preferences"
)

type testEnv struct {
	srv     *Server
	keys    *keys.Manager
	cookies []*http.Cookie
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env:             "development",
		BaseURL:         "http://localhost:3000",
		ViewsDir:        "../../views",
		StaticDir:       "../../static",
		MaxUploadSize:   1 << 20,
		SessionSecret:   "test-secret-test-secret-test-secret",
		SessionTTL:      time.Hour,
		AdminToken:      "admin-s3cret",
		DeliveryTimeout: time.Second,
		SiteTitle:       "keygate",
	}
	log := logger.NewNop()

	s, err := jsonstore.Open(t.TempDir())
	require.NoError(t, err)
	manager := keys.NewManager(s, preferences.DefaultSettings())
	prefs := preferences.NewService(s, true)
	dispatcher := delivery.NewDispatcher(delivery.Config{Timeout: cfg.DeliveryTimeout, AllowPrivateTargets: true}, log)
	p := pipeline.New(t.TempDir(), nil, dispatcher, log)

	srv := New(cfg, log)
	require.NoError(t, srv.RegisterRoutes(context.Background(), Deps{
		Store:       s,
		Keys:        manager,
		Preferences: prefs,
		Pipeline:    p,
	}))
	return &testEnv{srv: srv, keys: manager}
}

func (e *testEnv) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	resp, err := e.srv.App.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if cookies := resp.Cookies(); len(cookies) > 0 {
		e.cookies = cookies
	}
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealthz(t *testing.T) {
	env := setup(t)
	resp, body := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"ok"`)
}

func TestDashboardRequiresLogin(t *testing.T) {
	env := setup(t)
	resp, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestLoginInvalidKey(t *testing.T) {
	env := setup(t)
	resp, body := env.do(t, formRequest("/login", url.Values{"key": {"nope"}}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "Invalid key!")
	assert.Contains(t, body, "<title>Login · keygate</title>")
}

func TestRedeemSettingsAndUpload(t *testing.T) {
	env := setup(t)
	issued, err := env.keys.Issue(context.Background(), 1, time.Hour)
	require.NoError(t, err)

	resp, _ := env.do(t, formRequest("/login", url.Values{"key": {issued[0].Token}}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp, body := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Key redeemed successfully!")
	assert.Contains(t, body, "cleaned_combos.txt")

	resp, _ = env.do(t, formRequest("/settings", url.Values{
		"notify":           {"on"},
		"keywords":         {"combo"},
		"min_record_count": {"2"},
		"output_name":      {"out"},
		"message_template": {"Total: {count}\n{domains}"},
	}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body = env.do(t, formRequest("/settings", url.Values{
		"keywords":         {" , "},
		"min_record_count": {"2"},
		"output_name":      {"out"},
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "at least one keyword is required")

	resp, body = env.do(t, uploadRequest(t, "notes.txt", "a@x.com:1\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "does not match your keywords")

	resp, body = env.do(t, uploadRequest(t, "combo.txt", "a@x.com:1\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body, "minimum required: 2")

	resp, body = env.do(t, uploadRequest(t, "combo.txt", "a@x.com:1\nb@y.org:2\na@x.com:1\n"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Total: 2")
	assert.Contains(t, body, "out.txt")
	assert.Contains(t, body, "data:text/plain;base64,")

	// A second redemption of the same key fails.
	env.cookies = nil
	resp, body = env.do(t, formRequest("/login", url.Values{"key": {issued[0].Token}}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, body, "already been used")
}

func TestRevokedHolderIsLoggedOut(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	issued, err := env.keys.Issue(ctx, 1, 0)
	require.NoError(t, err)

	resp, _ := env.do(t, formRequest("/login", url.Values{"key": {issued[0].Token}}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, err = env.keys.Revoke(ctx, issued[0].Token)
	require.NoError(t, err)

	resp, _ = env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestAdminFlow(t *testing.T) {
	env := setup(t)

	resp, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp, _ = env.do(t, formRequest("/login", url.Values{"key": {"admin-s3cret"}}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/admin", resp.Header.Get("Location"))

	resp, body := env.do(t, formRequest("/admin/keys", url.Values{"count": {"2"}, "days": {"7"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Generated 2 keys")

	var tokens []string
	for k, err := range env.keys.List(context.Background()) {
		require.NoError(t, err)
		tokens = append(tokens, k.Token)
	}
	require.Len(t, tokens, 2)

	resp, _ = env.do(t, formRequest("/admin/keys/revoke", url.Values{"token": {tokens[0]}}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body = env.do(t, httptest.NewRequest(http.MethodGet, "/admin", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Key is unused.")
	assert.Contains(t, body, tokens[1])
}

func TestAPIRequiresToken(t *testing.T) {
	env := setup(t)

	resp, _ := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/keys", nil))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/keys/summary", nil)
	req.Header.Set("Authorization", "Bearer admin-s3cret")
	resp, body := env.do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"total":0`)
}

func TestUploadWithNotifyOffHidesReport(t *testing.T) {
	env := setup(t)
	issued, err := env.keys.Issue(context.Background(), 1, time.Hour)
	require.NoError(t, err)

	resp, _ := env.do(t, formRequest("/login", url.Values{"key": {issued[0].Token}}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, _ = env.do(t, formRequest("/settings", url.Values{
		"keywords":         {"combo"},
		"min_record_count": {"1"},
		"output_name":      {"out"},
		"message_template": {"Total: {count}\n{domains}"},
	}))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body := env.do(t, uploadRequest(t, "combo.txt", "a@x.com:1\nb@y.org:2\n"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "2 unique records")
	assert.NotContains(t, body, "data:text/plain;base64")
	assert.NotContains(t, body, "Total: 2")
	assert.NotContains(t, body, "out.txt")
}
