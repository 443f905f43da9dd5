package circuitbreaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds per-breaker configuration
type Config struct {
	FailureThreshold uint          `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`     // open -> half-open after this long since the last failure
	RetryDelay       time.Duration `yaml:"retry_delay"` // advisory delay callers apply before re-probing
	// HalfOpenRetryCount is the number of probes granted while half-open. Zero means one.
	HalfOpenRetryCount uint `yaml:"half_open_retry_count"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Timeout:            60 * time.Second,
		RetryDelay:         time.Second,
		HalfOpenRetryCount: 1,
	}
}

// StateChangeFunc is invoked after every state transition, outside the breaker lock
type StateChangeFunc func(provider string, from, to State)

// CircuitBreaker is a per-provider failure isolation gate. It never returns errors;
// callers consult IsOpen and report outcomes.
type CircuitBreaker struct {
	provider string
	config   Config
	logger   *logrus.Logger
	onChange StateChangeFunc
	now      func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    uint
	lastFailureTime time.Time
	probesGranted   uint
}

// Snapshot is a read-only view of a breaker
type Snapshot struct {
	Provider        string     `json:"provider"`
	State           string     `json:"state"`
	FailureCount    uint       `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// NewCircuitBreaker creates a closed breaker for a provider
func NewCircuitBreaker(provider string, config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenRetryCount == 0 {
		config.HalfOpenRetryCount = 1
	}

	return &CircuitBreaker{
		provider: provider,
		config:   config,
		logger:   logger,
		now:      time.Now,
		state:    StateClosed,
	}
}

// IsOpen reports whether calls to the provider must be skipped. Once the timeout has
// elapsed the breaker moves to half-open and returns false for HalfOpenRetryCount polls.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()

	var open bool
	from := b.state
	switch b.state {
	case StateClosed:
		open = false
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.probesGranted = 1
			open = false
		} else {
			open = true
		}
	case StateHalfOpen:
		if b.probesGranted < b.config.HalfOpenRetryCount {
			b.probesGranted++
			open = false
		} else {
			open = true
		}
	}
	to := b.state
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, to)
	return open
}

// RecordFailure counts a failed call and opens the breaker at the threshold.
// A failure while half-open reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()

	from := b.state
	b.failureCount++
	b.lastFailureTime = b.now()
	if b.state == StateHalfOpen || b.failureCount >= b.config.FailureThreshold {
		b.state = StateOpen
		b.probesGranted = 0
	}
	to := b.state
	count := b.failureCount
	fn := b.onChange
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"provider":      b.provider,
		"failure_count": count,
		"state":         to.String(),
	}).Debug("Circuit breaker recorded failure")

	b.notify(fn, from, to)
}

// RecordSuccess resets the breaker to closed
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.probesGranted = 0
	fn := b.onChange
	b.mu.Unlock()

	b.notify(fn, from, StateClosed)
}

// Reset is equivalent to RecordSuccess
func (b *CircuitBreaker) Reset() {
	b.RecordSuccess()
}

// State returns the current state without triggering a half-open transition
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the consecutive failure count
func (b *CircuitBreaker) FailureCount() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Config returns the breaker configuration
func (b *CircuitBreaker) Config() Config {
	return b.config
}

// Snapshot returns a copy of the breaker state
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Provider:     b.provider,
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}

func (b *CircuitBreaker) setOnChange(fn StateChangeFunc) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *CircuitBreaker) notify(fn StateChangeFunc, from, to State) {
	if from == to {
		return
	}

	entry := b.logger.WithFields(logrus.Fields{
		"provider": b.provider,
		"from":     from.String(),
		"state":    to.String(),
	})
	if to == StateClosed {
		entry.Debug("Circuit breaker reset")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if fn != nil {
		fn(b.provider, from, to)
	}
}
