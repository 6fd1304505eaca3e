// Package kernel provides request admission for the debugger surfaces.
//
// Features:
//   - Per-client sliding window rate limits (minute, hour)
//   - Concurrency cap on in-flight workflow runs
//   - Panic recovery for request handlers and background goroutines
package kernel

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig defines rate limiting thresholds. A zero limit disables
// that window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
	}
}

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limit_type,omitempty"` // "minute" or "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func exceededLimit(limitType string, current, limit int, retryAfter time.Duration) RateLimitResult {
	return RateLimitResult{
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// =============================================================================
// Sliding Window
// =============================================================================

const bucketsPerWindow = 10

// SlidingWindow counts events over a trailing window using fixed sub-buckets.
// It is not safe for concurrent use; RateLimiter guards it.
type SlidingWindow struct {
	window  time.Duration
	bucket  time.Duration
	buckets map[int64]int
}

// NewSlidingWindow creates a window of the given length.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:  window,
		bucket:  window / bucketsPerWindow,
		buckets: make(map[int64]int),
	}
}

func (w *SlidingWindow) index(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucket)
}

// Record counts one event at now and drops buckets that left the window.
func (w *SlidingWindow) Record(now time.Time) int {
	w.prune(now)
	w.buckets[w.index(now)]++
	return w.Count(now)
}

// Count returns the number of events inside the window ending at now.
func (w *SlidingWindow) Count(now time.Time) int {
	oldest := w.index(now) - bucketsPerWindow + 1
	count := 0
	for b, n := range w.buckets {
		if b >= oldest {
			count += n
		}
	}
	return count
}

func (w *SlidingWindow) prune(now time.Time) {
	oldest := w.index(now) - bucketsPerWindow + 1
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
}

// RetryAfter returns how long until the count drops below limit.
func (w *SlidingWindow) RetryAfter(now time.Time, limit int) time.Duration {
	current := w.Count(now)
	if current < limit {
		return 0
	}

	oldest := w.index(now) - bucketsPerWindow + 1
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b leaves the window once the current bucket index reaches
			// b+bucketsPerWindow.
			leaves := time.Unix(0, (b+bucketsPerWindow)*int64(w.bucket))
			if wait := leaves.Sub(now); wait > 0 {
				return wait
			}
			return 0
		}
	}
	return w.window
}

// IsEmpty reports whether the window holds no buckets at all.
func (w *SlidingWindow) IsEmpty() bool {
	return len(w.buckets) == 0
}

// =============================================================================
// Rate Limiter
// =============================================================================

type windowKey struct {
	clientID   string
	windowType string
}

type windowLimit struct {
	windowType string
	length     time.Duration
	limit      int
}

// RateLimiter applies sliding window limits per client identifier.
// Safe for concurrent use.
type RateLimiter struct {
	config  RateLimitConfig
	now     func() time.Time
	windows map[windowKey]*SlidingWindow
	mu      sync.Mutex
}

// NewRateLimiter creates a rate limiter with the given limits.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  config,
		now:     time.Now,
		windows: make(map[windowKey]*SlidingWindow),
	}
}

// WithClock replaces the time source. Used by tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Config returns the configured limits.
func (r *RateLimiter) Config() RateLimitConfig {
	return r.config
}

func (r *RateLimiter) limits() []windowLimit {
	return []windowLimit{
		{"minute", time.Minute, r.config.RequestsPerMinute},
		{"hour", time.Hour, r.config.RequestsPerHour},
	}
}

func (r *RateLimiter) windowLocked(clientID string, wl windowLimit) *SlidingWindow {
	key := windowKey{clientID, wl.windowType}
	w, ok := r.windows[key]
	if !ok {
		w = NewSlidingWindow(wl.length)
		r.windows[key] = w
	}
	return w
}

// Allow checks the client's windows and, when every window has room,
// records the request. A rejected request is not recorded.
func (r *RateLimiter) Allow(clientID string) RateLimitResult {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	limits := r.limits()
	for _, wl := range limits {
		if wl.limit <= 0 {
			continue
		}
		w := r.windowLocked(clientID, wl)
		if current := w.Count(now); current >= wl.limit {
			return exceededLimit(wl.windowType, current, wl.limit, w.RetryAfter(now, wl.limit))
		}
	}

	result := RateLimitResult{Allowed: true, Remaining: -1}
	for _, wl := range limits {
		if wl.limit <= 0 {
			continue
		}
		current := r.windowLocked(clientID, wl).Record(now)
		remaining := wl.limit - current
		if result.Remaining < 0 || remaining < result.Remaining {
			result.LimitType = wl.windowType
			result.Current = current
			result.Limit = wl.limit
			result.Remaining = remaining
		}
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result
}

// Usage returns the current count per window for a client.
func (r *RateLimiter) Usage(clientID string) map[string]int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	usage := make(map[string]int)
	for _, wl := range r.limits() {
		if w, ok := r.windows[windowKey{clientID, wl.windowType}]; ok {
			usage[wl.windowType] = w.Count(now)
		} else {
			usage[wl.windowType] = 0
		}
	}
	return usage
}

// ResetClient drops all windows of a client and returns how many were removed.
func (r *RateLimiter) ResetClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key := range r.windows {
		if key.clientID == clientID {
			delete(r.windows, key)
			count++
		}
	}
	return count
}

// CleanupExpired removes windows with no events left in them.
func (r *RateLimiter) CleanupExpired() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	cleaned := 0
	for key, w := range r.windows {
		w.prune(now)
		if w.IsEmpty() {
			delete(r.windows, key)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the number of tracked windows.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
