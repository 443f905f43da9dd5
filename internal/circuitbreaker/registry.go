package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry owns one breaker per provider id
type Registry struct {
	config   Config
	logger   *logrus.Logger
	onChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry; breakers share the given config
func NewRegistry(config Config, logger *logrus.Logger) *Registry {
	return &Registry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange installs a transition hook applied to every breaker created afterwards
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	for _, b := range r.breakers {
		b.setOnChange(fn)
	}
}

// Register creates the breaker for a provider if it does not exist yet
func (r *Registry) Register(provider string) *CircuitBreaker {
	return r.Get(provider)
}

// Get returns the breaker for a provider, creating it on first use
func (r *Registry) Get(provider string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b = NewCircuitBreaker(provider, r.config, r.logger)
	b.setOnChange(r.onChange)
	r.breakers[provider] = b
	return b
}

func (r *Registry) IsOpen(provider string) bool {
	return r.Get(provider).IsOpen()
}

func (r *Registry) RecordFailure(provider string) {
	r.Get(provider).RecordFailure()
}

func (r *Registry) RecordSuccess(provider string) {
	r.Get(provider).RecordSuccess()
}

// Snapshots returns every breaker's state ordered by provider id
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	snaps := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snaps = append(snaps, r.Get(name).Snapshot())
	}
	return snaps
}
