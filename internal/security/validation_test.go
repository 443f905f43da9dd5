package security

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestGuard_Check(t *testing.T) {
	g := NewRequestGuard(GuardConfig{MaxRequestSize: 64, MaxJSONDepth: 3, BlockedIPs: []string{"203.0.113.66"}}, quietLogger())

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		remote      string
		status      int
	}{
		{name: "small json", method: http.MethodPost, contentType: "application/json", body: `{"a":{"b":1}}`},
		{name: "json with charset", method: http.MethodPost, contentType: "application/json; charset=utf-8", body: `{}`},
		{name: "yaml definition", method: http.MethodPost, contentType: "application/yaml", body: "name: x\n"},
		{name: "get ignores body rules", method: http.MethodGet},
		{name: "empty post", method: http.MethodPost},
		{name: "too large", method: http.MethodPost, contentType: "application/json", body: `{"x":"` + strings.Repeat("a", 80) + `"}`, status: http.StatusRequestEntityTooLarge},
		{name: "wrong type", method: http.MethodPost, contentType: "text/plain", body: "hello", status: http.StatusUnsupportedMediaType},
		{name: "too deep", method: http.MethodPost, contentType: "application/json", body: `{"a":{"b":{"c":{"d":1}}}}`, status: http.StatusBadRequest},
		{name: "malformed json passes through", method: http.MethodPost, contentType: "application/json", body: `{"a":`},
		{name: "blocked ip", method: http.MethodGet, remote: "203.0.113.66:80", status: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			r := httptest.NewRequest(tt.method, "/v1/workflows", body)
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}

			got, status, err := g.Check(r)
			if tt.status != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.status, status)
				return
			}
			require.NoError(t, err)
			if tt.body != "" {
				assert.Equal(t, tt.body, string(got))
			}
		})
	}
}

func TestRequestGuard_MiddlewareReplaysBody(t *testing.T) {
	g := NewRequestGuard(GuardConfig{}, quietLogger())
	var received string
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received = string(b)
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader(`{"type":"text"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"type":"text"}`, received)

	r = httptest.NewRequest(http.MethodPost, "/v1/route", strings.NewReader("plain"))
	r.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}
