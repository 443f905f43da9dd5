package security

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-caller token bucket settings
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	// IdleTTL drops buckets not touched for this long
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller
type RateLimiter struct {
	config    RateLimitConfig
	perSecond rate.Limit
	now       func() time.Time
	logger    *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts the idle-bucket sweeper when the limiter is enabled
func NewRateLimiter(config RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}

	rl := &RateLimiter{
		config:    config,
		perSecond: rate.Limit(float64(config.RequestsPerMinute) / 60),
		now:       time.Now,
		logger:    logger,
		buckets:   make(map[string]*bucket),
		stop:      make(chan struct{}),
	}
	if config.Enabled {
		go rl.sweep()
	}
	return rl
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(key string) Decision {
	limit := rl.config.BurstSize
	if !rl.config.Enabled {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.perSecond, limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return Decision{Allowed: true, Limit: limit, Remaining: int(b.limiter.TokensAt(now))}
	}

	missing := 1 - b.limiter.TokensAt(now)
	wait := time.Duration(missing / float64(rl.perSecond) * float64(time.Second))
	return Decision{Allowed: false, Limit: limit, RetryAfter: wait}
}

// Reset forgets key's bucket
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	delete(rl.buckets, key)
	rl.mu.Unlock()
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.removeIdle()
		}
	}
}

func (rl *RateLimiter) removeIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.config.IdleTTL)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
	return removed
}

// Stop ends the sweeper; safe to call more than once
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// KeyFunc extracts the bucket key from a request
type KeyFunc func(*http.Request) string

// PrincipalKey buckets authenticated callers by subject and everyone else by IP
func PrincipalKey(r *http.Request) string {
	if p, ok := PrincipalFromContext(r.Context()); ok && p.Method != MethodAnonymous {
		return "sub:" + p.Subject
	}
	return "ip:" + ClientIP(r)
}

// Middleware answers 429 with Retry-After once a caller's bucket is empty
func (rl *RateLimiter) Middleware(key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = PrincipalKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			d := rl.Allow(k)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				seconds := int(d.RetryAfter.Seconds())
				if d.RetryAfter%time.Second != 0 {
					seconds++
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				rl.logger.WithFields(logrus.Fields{
					"key":         k,
					"retry_after": d.RetryAfter.String(),
				}).Warn("Rate limit exceeded")
				WriteError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
