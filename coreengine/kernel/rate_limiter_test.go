package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// SLIDING WINDOW TESTS
// =============================================================================

func TestSlidingWindowCountsWithinWindow(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(time.Minute)

	assert.Equal(t, 1, w.Record(clock.Now()))
	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, w.Record(clock.Now()))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 2, w.Count(clock.Now()))

	clock.Advance(time.Minute)
	assert.Equal(t, 0, w.Count(clock.Now()))
	assert.False(t, w.IsEmpty()) // buckets linger until the next Record or prune
}

func TestSlidingWindowRetryAfter(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(time.Minute)

	w.Record(clock.Now())
	w.Record(clock.Now())

	assert.Zero(t, w.RetryAfter(clock.Now(), 3))

	wait := w.RetryAfter(clock.Now(), 2)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	clock.Advance(wait)
	assert.Equal(t, 0, w.Count(clock.Now()))
}

// =============================================================================
// RATE LIMITER TESTS
// =============================================================================

func TestRateLimiterAllowsUpToMinuteLimit(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 3}).WithClock(clock.Now)

	for i := 0; i < 3; i++ {
		res := limiter.Allow("client-a")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := limiter.Allow("client-a")
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.LimitType)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// A rejected request is not counted.
	assert.Equal(t, 3, limiter.Usage("client-a")["minute"])
}

func TestRateLimiterClientsAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1})

	assert.True(t, limiter.Allow("client-a").Allowed)
	assert.False(t, limiter.Allow("client-a").Allowed)
	assert.True(t, limiter.Allow("client-b").Allowed)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 1}).WithClock(clock.Now)

	require.True(t, limiter.Allow("c").Allowed)
	res := limiter.Allow("c")
	require.False(t, res.Allowed)

	clock.Advance(res.RetryAfter)
	assert.True(t, limiter.Allow("c").Allowed)
}

func TestRateLimiterHourLimit(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 2}).WithClock(clock.Now)

	require.True(t, limiter.Allow("c").Allowed)
	clock.Advance(2 * time.Minute)
	require.True(t, limiter.Allow("c").Allowed)
	clock.Advance(2 * time.Minute)

	res := limiter.Allow("c")
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.LimitType)
}

func TestRateLimiterZeroLimitsDisableWindows(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{})
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("c").Allowed)
	}
	assert.Zero(t, limiter.Len())
}

func TestRateLimiterResetClient(t *testing.T) {
	limiter := NewRateLimiter(DefaultRateLimitConfig())
	limiter.Allow("a")
	limiter.Allow("b")

	assert.Equal(t, 2, limiter.ResetClient("a"))
	assert.Equal(t, 0, limiter.Usage("a")["minute"])
	assert.Equal(t, 1, limiter.Usage("b")["minute"])
}

func TestRateLimiterCleanupExpired(t *testing.T) {
	clock := newFakeClock()
	limiter := NewRateLimiter(DefaultRateLimitConfig()).WithClock(clock.Now)
	limiter.Allow("a")
	require.Equal(t, 2, limiter.Len())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, limiter.CleanupExpired()) // minute window emptied
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, limiter.CleanupExpired())
	assert.Zero(t, limiter.Len())
}

func TestRateLimiterConcurrentAllow(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
