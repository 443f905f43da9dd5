package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/security"
)

// ValidationMiddleware checks requests against an OpenAPI document. Routes the
// document does not describe pass through untouched.
type ValidationMiddleware struct {
	router  routers.Router
	options *openapi3filter.Options
	logger  *logrus.Logger
}

// NewValidationMiddleware validates doc and builds a route matcher for it
func NewValidationMiddleware(doc *openapi3.T, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if doc == nil {
		return nil, fmt.Errorf("openapi document is required")
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	return &ValidationMiddleware{
		router: router,
		// credentials are checked by the security stack
		options: &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
		logger:  logger,
	}, nil
}

func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")
			security.WriteError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r.Clone(r.Context()),
		PathParams: pathParams,
		Route:      route,
		Options:    vm.options,
	}
	input.Request.Body = io.NopCloser(bytes.NewReader(body))

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return err
	}
	return nil
}
