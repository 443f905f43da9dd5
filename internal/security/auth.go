// Package security authenticates and throttles callers of the HTTP surface.
package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokensDisabled     = errors.New("token signing is not configured")
)

// Auth methods recorded on a Principal
const (
	MethodAPIKey    = "api_key"
	MethodJWT       = "jwt"
	MethodAnonymous = "anonymous"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	RequireAuth bool          `yaml:"require_auth"`
	// ExemptPaths are path prefixes served without credentials
	ExemptPaths []string `yaml:"exempt_paths"`
}

// Principal is the authenticated caller attached to the request context
type Principal struct {
	Subject string   `json:"subject"`
	Method  string   `json:"method"`
	Scopes  []string `json:"scopes,omitempty"`
}

// HasScope reports whether the principal carries scope. Callers authenticated by
// API key carry every scope.
func (p *Principal) HasScope(scope string) bool {
	if p.Method == MethodAPIKey {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Claims is the HS256 token payload
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

type principalKey struct{}

// Authenticator validates API keys and HS256 bearer tokens
type Authenticator struct {
	config AuthConfig
	keys   [][]byte
	secret []byte
	logger *logrus.Logger
}

// NewAuthenticator fails when auth is required but no credential source is configured
func NewAuthenticator(config AuthConfig, logger *logrus.Logger) (*Authenticator, error) {
	if config.RequireAuth && len(config.APIKeys) == 0 && config.JWTSecret == "" {
		return nil, fmt.Errorf("authentication required but no api keys or jwt secret configured")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	if config.JWTIssuer == "" {
		config.JWTIssuer = "adaptive-routing-engine"
	}
	if config.ExemptPaths == nil {
		config.ExemptPaths = []string{"/health", "/metrics", "/docs"}
	}

	a := &Authenticator{config: config, logger: logger}
	for _, key := range config.APIKeys {
		if key != "" {
			a.keys = append(a.keys, []byte(key))
		}
	}
	if config.JWTSecret != "" {
		a.secret = []byte(config.JWTSecret)
	}
	return a, nil
}

// IssueToken signs a token for subject valid for the configured TTL
func (a *Authenticator) IssueToken(subject string, scopes []string) (string, error) {
	if a.secret == nil {
		return "", ErrTokensDisabled
	}

	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.config.JWTIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateToken parses and verifies an HS256 token issued by this authenticator
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	if a.secret == nil {
		return nil, ErrTokensDisabled
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.config.JWTIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (a *Authenticator) matchAPIKey(candidate string) bool {
	matched := 0
	for _, key := range a.keys {
		matched |= subtle.ConstantTimeCompare([]byte(candidate), key)
	}
	return matched == 1
}

// Authenticate resolves the caller from X-API-Key or an Authorization bearer value.
// A bearer value is tried as an API key first, then as a token.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if a.matchAPIKey(key) {
			return &Principal{Subject: keySubject(key), Method: MethodAPIKey}, nil
		}
		return nil, ErrInvalidAPIKey
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, ErrMissingCredentials
	}
	bearer := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if bearer == "" {
		return nil, ErrMissingCredentials
	}

	if a.matchAPIKey(bearer) {
		return &Principal{Subject: keySubject(bearer), Method: MethodAPIKey}, nil
	}
	claims, err := a.ValidateToken(bearer)
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: claims.Subject, Method: MethodJWT, Scopes: claims.Scopes}, nil
}

func (a *Authenticator) exempt(path string) bool {
	for _, prefix := range a.config.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware rejects unauthenticated requests with 401 when auth is required.
// When it is not required, valid credentials still attach a principal.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.Authenticate(r)
		if err != nil {
			if !a.config.RequireAuth {
				principal = &Principal{Subject: ClientIP(r), Method: MethodAnonymous}
			} else {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": ClientIP(r),
				}).WithError(err).Warn("Authentication failed")
				WriteError(w, http.StatusUnauthorized, "authentication_error", err.Error())
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// WithPrincipal attaches p to ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller attached by the auth middleware
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// keySubject identifies an API key caller without logging the key
func keySubject(key string) string {
	if len(key) <= 8 {
		return "key_****"
	}
	return "key_" + key[:4] + "****"
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

// ErrorBody is the JSON error envelope shared by the HTTP layer
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
	Timestamp int64 `json:"timestamp"`
}

// WriteError writes the JSON error envelope
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	var body ErrorBody
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Code = status
	body.Timestamp = time.Now().Unix()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
