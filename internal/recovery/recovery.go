// Package recovery classifies failed provider calls and decides how the caller
// should retry. It never calls a provider itself.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/metrics"
	"github.com/tributary-ai/adaptive-routing-engine/internal/types"
)

// Action tells the caller what to do next
type Action string

const (
	ActionRetryWithFallback Action = "retry_with_fallback"
	ActionSwitchProvider    Action = "switch_provider"
	ActionUseFallback       Action = "use_fallback"
	ActionAbandon           Action = "abandon"
)

// RecoveryError signals a recoverable failure. The caller re-routes to a
// fallback provider; the same provider is never retried.
type RecoveryError struct {
	Kind     string
	Action   Action
	Provider string
	Cause    error
}

func (e *RecoveryError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s from %s (%s): %v", e.Kind, e.Provider, e.Action, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Action, e.Cause)
}

func (e *RecoveryError) Unwrap() error {
	return e.Cause
}

// Config for the recovery system
type Config struct {
	RateLimitBackoff time.Duration `yaml:"rate_limit_backoff"`
}

func DefaultConfig() Config {
	return Config{RateLimitBackoff: 2 * time.Second}
}

// classification order matters: the first matching kind wins. Status codes
// only count as whole numbers, so token counts and field names never match.
var patterns = []struct {
	kind    string
	needles []string
	codes   *regexp.Regexp
}{
	{types.ErrorKindRateLimit, []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "quota exceeded"}, regexp.MustCompile(`\b429\b`)},
	{types.ErrorKindTimeout, []string{"timeout", "timed out", "deadline exceeded"}, nil},
	{types.ErrorKindAuth, []string{"auth_error", "unauthorized", "authentication", "invalid api key", "invalid_api_key", "permission denied", "forbidden"}, regexp.MustCompile(`\b(401|403)\b`)},
	{types.ErrorKindServiceUnavailable, []string{"service unavailable", "unavailable", "overloaded", "bad gateway", "connection refused"}, regexp.MustCompile(`\b(502|503|504)\b`)},
}

// Classify maps an error to one of the provider-failure kinds by
// case-insensitive substring match on its message
func Classify(err error) string {
	if err == nil {
		return types.ErrorKindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorKindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		for _, needle := range p.needles {
			if strings.Contains(msg, needle) {
				return p.kind
			}
		}
		if p.codes != nil && p.codes.MatchString(msg) {
			return p.kind
		}
	}
	return types.ErrorKindUnknown
}

// System is the error recovery dispatcher
type System struct {
	config    Config
	logger    *logrus.Logger
	collector *metrics.Collector
}

func NewSystem(config Config, collector *metrics.Collector, logger *logrus.Logger) *System {
	if config.RateLimitBackoff < 0 {
		config.RateLimitBackoff = 0
	}
	return &System{
		config:    config,
		logger:    logger,
		collector: collector,
	}
}

// HandleError decides how to recover from a failed provider call. Recoverable kinds
// return a *RecoveryError; unknown errors return a terminal failed response.
// Rate limits wait for the configured backoff first, honoring ctx.
func (s *System) HandleError(ctx context.Context, req *types.RoutingRequest, err error) (*types.RoutingResponse, error) {
	return s.handle(ctx, req, err, true)
}

// HandleFinalError classifies like HandleError for a caller with no retry left,
// so rate limits return without waiting.
func (s *System) HandleFinalError(ctx context.Context, req *types.RoutingRequest, err error) (*types.RoutingResponse, error) {
	return s.handle(ctx, req, err, false)
}

func (s *System) handle(ctx context.Context, req *types.RoutingRequest, err error, backoff bool) (*types.RoutingResponse, error) {
	kind := Classify(err)
	provider := ""
	requestID := ""
	if req != nil {
		provider = req.Metadata[types.MetadataProvider]
		requestID = req.ID
	}

	s.collector.RecordRecovery(kind)
	entry := s.logger.WithFields(logrus.Fields{
		"provider":   provider,
		"request_id": requestID,
		"error_kind": kind,
	}).WithError(err)

	recoverable := func(action Action) error {
		entry.WithField("action", action).Warn("Recovering from provider error")
		return &RecoveryError{Kind: kind, Action: action, Provider: provider, Cause: err}
	}

	switch kind {
	case types.ErrorKindRateLimit:
		if backoff {
			if waitErr := s.wait(ctx, s.config.RateLimitBackoff); waitErr != nil {
				return nil, fmt.Errorf("rate limit backoff interrupted: %w", waitErr)
			}
		}
		return nil, recoverable(ActionRetryWithFallback)
	case types.ErrorKindTimeout:
		return nil, recoverable(ActionRetryWithFallback)
	case types.ErrorKindAuth:
		return nil, recoverable(ActionSwitchProvider)
	case types.ErrorKindServiceUnavailable:
		return nil, recoverable(ActionUseFallback)
	default:
		entry.WithField("action", ActionAbandon).Warn("Unrecoverable provider error")
		return &types.RoutingResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorKind: types.ErrorKindUnknown,
			Metadata: types.ResponseMetadata{
				RequestID: requestID,
				Provider:  provider,
				Timestamp: time.Now(),
			},
		}, nil
	}
}

func (s *System) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
