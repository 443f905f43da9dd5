package security

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, config RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(config, quietLogger())
	rl.now = clock.Now
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("k").Allowed)
	}
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newLimiter(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		d := rl.Allow("caller")
		require.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 2-i, d.Remaining)
	}

	denied := rl.Allow("caller")
	assert.False(t, denied.Allowed)
	assert.Equal(t, time.Second, denied.RetryAfter)

	// other callers have their own bucket
	assert.True(t, rl.Allow("other").Allowed)

	clock.Advance(time.Second)
	assert.True(t, rl.Allow("caller").Allowed)
	assert.False(t, rl.Allow("caller").Allowed)

	// refill never exceeds the burst size
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("caller").Allowed)
	}
	assert.False(t, rl.Allow("caller").Allowed)
}

func TestRateLimiter_ResetAndIdleSweep(t *testing.T) {
	rl, clock := newLimiter(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})

	require.True(t, rl.Allow("a").Allowed)
	require.False(t, rl.Allow("a").Allowed)
	rl.Reset("a")
	assert.True(t, rl.Allow("a").Allowed)

	rl.Allow("b")
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, rl.removeIdle())
	assert.Equal(t, 0, rl.removeIdle())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newLimiter(t, RateLimitConfig{Enabled: true, RequestsPerMinute: 30, BurstSize: 1})
	h := rl.Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/route", nil)
		r.RemoteAddr = "192.0.2.10:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	first := call()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := call()
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "2", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit_error")
}

func TestPrincipalKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.10:4000"
	assert.Equal(t, "ip:192.0.2.10", PrincipalKey(r))

	r = r.WithContext(WithPrincipal(r.Context(), &Principal{Subject: "192.0.2.10", Method: MethodAnonymous}))
	assert.Equal(t, "ip:192.0.2.10", PrincipalKey(r))

	r = r.WithContext(WithPrincipal(r.Context(), &Principal{Subject: "bot", Method: MethodJWT}))
	assert.Equal(t, "sub:bot", PrincipalKey(r))
}
