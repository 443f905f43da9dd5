package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/adaptive-routing-engine/internal/security"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func newStack(t *testing.T, config SecurityMiddlewareConfig) http.Handler {
	t.Helper()
	sm, err := NewSecurityMiddleware(config, quietLogger())
	require.NoError(t, err)
	t.Cleanup(sm.Stop)
	return sm.Handler()(okHandler)
}

func TestNewSecurityMiddleware_RejectsAuthWithoutCredentials(t *testing.T) {
	_, err := NewSecurityMiddleware(SecurityMiddlewareConfig{
		Auth: security.AuthConfig{RequireAuth: true},
	}, quietLogger())
	assert.Error(t, err)
}

func TestSecurityMiddleware_Handler(t *testing.T) {
	h := newStack(t, SecurityMiddlewareConfig{
		Auth:      security.AuthConfig{APIKeys: []string{"valid-key-0001"}, RequireAuth: true},
		RateLimit: security.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2},
		CORS:      CORSConfig{AllowedOrigins: []string{"https://console.example.com"}},
	})

	send := func(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != "" {
			reader = strings.NewReader(body)
		}
		r := httptest.NewRequest(method, path, reader)
		r.RemoteAddr = "192.0.2.44:1000"
		for k, v := range headers {
			r.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	t.Run("security headers and request id", func(t *testing.T) {
		rec := send(http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		rec = send(http.MethodGet, "/health", "", map[string]string{"X-Request-ID": "abc"})
		assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := send(http.MethodPost, "/v1/route", `{}`, map[string]string{"Content-Type": "application/json"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("guard runs before auth", func(t *testing.T) {
		rec := send(http.MethodPost, "/v1/route", "x", map[string]string{"Content-Type": "text/plain"})
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := send(http.MethodOptions, "/v1/route", "", map[string]string{"Origin": "https://console.example.com", "Access-Control-Request-Method": "POST"})
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

		rec = send(http.MethodOptions, "/v1/route", "", map[string]string{"Origin": "https://evil.example.com", "Access-Control-Request-Method": "POST"})
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("authenticated then limited", func(t *testing.T) {
		headers := map[string]string{"Content-Type": "application/json", "X-API-Key": "valid-key-0001"}
		rec := send(http.MethodPost, "/v1/route", `{"type":"text"}`, headers)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `{"type":"text"}`, rec.Body.String())

		send(http.MethodPost, "/v1/route", `{}`, headers)
		rec = send(http.MethodPost, "/v1/route", `{}`, headers)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})
}

func TestRequireScope(t *testing.T) {
	h := RequireScope("alerts:send")(okHandler)

	serve := func(p *security.Principal) int {
		r := httptest.NewRequest(http.MethodPost, "/v1/alerts", nil)
		if p != nil {
			r = r.WithContext(security.WithPrincipal(r.Context(), p))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec.Code
	}

	assert.Equal(t, http.StatusForbidden, serve(nil))
	assert.Equal(t, http.StatusForbidden, serve(&security.Principal{Method: security.MethodJWT, Scopes: []string{"workflows:write"}}))
	assert.Equal(t, http.StatusOK, serve(&security.Principal{Method: security.MethodJWT, Scopes: []string{"alerts:send"}}))
	assert.Equal(t, http.StatusOK, serve(&security.Principal{Method: security.MethodAPIKey}))
	assert.Equal(t, http.StatusOK, serve(&security.Principal{Method: security.MethodAnonymous}))
}

const routeDoc = `
openapi: 3.0.3
info:
  title: test
  version: "1"
paths:
  /v1/route:
    post:
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              required: [type]
              properties:
                type:
                  type: string
                  minLength: 1
      responses:
        "200":
          description: ok
`

func TestValidationMiddleware(t *testing.T) {
	doc, err := openapi3.NewLoader().LoadFromData([]byte(routeDoc))
	require.NoError(t, err)
	vm, err := NewValidationMiddleware(doc, quietLogger())
	require.NoError(t, err)
	h := vm.Middleware(okHandler)

	post := func(path, body string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	rec := post("/v1/route", `{"type":"text"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"type":"text"}`, rec.Body.String(), "body must reach the handler")

	rec = post("/v1/route", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")

	rec = post("/v1/undocumented", `not json`)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err = NewValidationMiddleware(nil, quietLogger())
	assert.Error(t, err)
}
