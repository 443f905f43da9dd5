package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// GuardConfig bounds request bodies before they reach a handler
type GuardConfig struct {
	MaxRequestSize int64    `yaml:"max_request_size"`
	ContentTypes   []string `yaml:"allowed_content_types"`
	MaxJSONDepth   int      `yaml:"max_json_depth"`
	BlockedIPs     []string `yaml:"blocked_ips"`
}

// RequestGuard rejects oversized, mistyped or deeply nested request bodies
type RequestGuard struct {
	config  GuardConfig
	types   map[string]bool
	blocked map[string]bool
	logger  *logrus.Logger
}

var errTooDeep = errors.New("json nesting too deep")

func NewRequestGuard(config GuardConfig, logger *logrus.Logger) *RequestGuard {
	if config.MaxRequestSize <= 0 {
		config.MaxRequestSize = 1 << 20
	}
	if config.MaxJSONDepth <= 0 {
		config.MaxJSONDepth = 20
	}
	if len(config.ContentTypes) == 0 {
		config.ContentTypes = []string{"application/json", "application/yaml", "application/x-yaml", "text/yaml"}
	}

	g := &RequestGuard{
		config:  config,
		types:   make(map[string]bool),
		blocked: make(map[string]bool),
		logger:  logger,
	}
	for _, t := range config.ContentTypes {
		g.types[strings.ToLower(t)] = true
	}
	for _, ip := range config.BlockedIPs {
		g.blocked[ip] = true
	}
	return g
}

// Check validates r and returns the buffered body so callers can replay it.
// The returned status is meaningful only when err is not nil.
func (g *RequestGuard) Check(r *http.Request) ([]byte, int, error) {
	if g.blocked[ClientIP(r)] {
		return nil, http.StatusForbidden, fmt.Errorf("client %s is blocked", ClientIP(r))
	}
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return nil, 0, nil
	}
	if r.ContentLength > g.config.MaxRequestSize {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("request size %d exceeds maximum %d", r.ContentLength, g.config.MaxRequestSize)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxRequestSize+1))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > g.config.MaxRequestSize {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("request body exceeds maximum %d bytes", g.config.MaxRequestSize)
	}
	if len(body) == 0 {
		return body, 0, nil
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !g.types[mediaType] {
		return nil, http.StatusUnsupportedMediaType,
			fmt.Errorf("content type %q not allowed", r.Header.Get("Content-Type"))
	}
	if mediaType == "application/json" {
		if err := checkDepth(body, g.config.MaxJSONDepth); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}
	return body, 0, nil
}

// Middleware runs Check and restores the body for the next handler
func (g *RequestGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, status, err := g.Check(r)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"path":      r.URL.Path,
				"remote_ip": ClientIP(r),
			}).WithError(err).Warn("Request rejected")
			WriteError(w, status, "invalid_request_error", err.Error())
			return
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
		next.ServeHTTP(w, r)
	})
}

// checkDepth walks the token stream so malformed JSON is left to the handler
func checkDepth(body []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
			if depth > max {
				return fmt.Errorf("%w: more than %d levels", errTooDeep, max)
			}
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
	}
}
