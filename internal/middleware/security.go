package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/security"
)

// SecurityMiddlewareConfig holds configuration for the security stack
type SecurityMiddlewareConfig struct {
	Auth      security.AuthConfig      `yaml:"auth"`
	RateLimit security.RateLimitConfig `yaml:"rate_limit"`
	Guard     security.GuardConfig     `yaml:"guard"`
	CORS      CORSConfig               `yaml:"cors"`
}

// CORSConfig holds cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SecurityMiddleware combines authentication, rate limiting and request guarding
type SecurityMiddleware struct {
	config  SecurityMiddlewareConfig
	auth    *security.Authenticator
	limiter *security.RateLimiter
	guard   *security.RequestGuard
	cors    *cors.Cors
	logger  *logrus.Logger
}

// NewSecurityMiddleware creates the security stack
func NewSecurityMiddleware(config SecurityMiddlewareConfig, logger *logrus.Logger) (*SecurityMiddleware, error) {
	auth, err := security.NewAuthenticator(config.Auth, logger)
	if err != nil {
		return nil, err
	}
	if len(config.CORS.AllowedMethods) == 0 {
		config.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(config.CORS.AllowedHeaders) == 0 {
		config.CORS.AllowedHeaders = []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"}
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: config.CORS.AllowedOrigins,
		AllowedMethods: config.CORS.AllowedMethods,
		AllowedHeaders: config.CORS.AllowedHeaders,
		ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         86400,
	})

	return &SecurityMiddleware{
		config:  config,
		auth:    auth,
		limiter: security.NewRateLimiter(config.RateLimit, logger),
		guard:   security.NewRequestGuard(config.Guard, logger),
		cors:    corsHandler,
		logger:  logger,
	}, nil
}

// Handler wraps next as headers, CORS, guard, auth, then rate limit. Preflight
// requests are answered by the CORS layer. Auth runs before the limiter so
// authenticated callers get their own bucket.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := s.limiter.Middleware(security.PrincipalKey)(next)
		handler = s.auth.Middleware(handler)
		handler = s.guard.Middleware(handler)
		handler = s.cors.Handler(handler)
		return s.headersMiddleware(handler)
	}
}

// Authenticator exposes the configured authenticator, used to issue tokens
func (s *SecurityMiddleware) Authenticator() *security.Authenticator {
	return s.auth
}

// RequireScope rejects callers whose principal lacks scope. API key callers pass.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := security.PrincipalFromContext(r.Context())
			if ok && (p.Method == security.MethodAnonymous || p.HasScope(scope)) {
				next.ServeHTTP(w, r)
				return
			}
			security.WriteError(w, http.StatusForbidden, "permission_error", "missing scope "+scope)
		})
	}
}

func (s *SecurityMiddleware) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set("X-Request-ID", requestID)
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// Stop releases the rate limiter's sweeper
func (s *SecurityMiddleware) Stop() {
	s.limiter.Stop()
}

// GetStats reports which layers are active
func (s *SecurityMiddleware) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"authentication_required": s.config.Auth.RequireAuth,
		"api_keys":                len(s.config.Auth.APIKeys),
		"jwt_enabled":             s.config.Auth.JWTSecret != "",
		"rate_limiter_enabled":    s.config.RateLimit.Enabled,
		"max_request_size":        s.config.Guard.MaxRequestSize,
	}
}
