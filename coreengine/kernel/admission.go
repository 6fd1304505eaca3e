package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
)

var (
	// ErrRateLimited is wrapped by *RateLimitError.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrAtCapacity is returned when no run slot frees up within the wait.
	ErrAtCapacity = errors.New("too many concurrent runs")
)

// RateLimitError reports which window rejected a client.
type RateLimitError struct {
	Result RateLimitResult
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %d/%d requests per %s, retry after %s",
		ErrRateLimited, e.Result.Current, e.Result.Limit, e.Result.LimitType,
		e.Result.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// AdmissionConfig configures an Admission.
type AdmissionConfig struct {
	RateLimit RateLimitConfig
	// MaxConcurrent caps in-flight runs. Zero disables the cap.
	MaxConcurrent int
	// Wait bounds how long Admit blocks for a free slot.
	Wait time.Duration
	// CleanupInterval is how often empty rate windows are dropped
	// (default: 5 minutes).
	CleanupInterval time.Duration
}

// Admission gates workflow runs behind the rate limiter and a weighted
// semaphore. Safe for concurrent use.
type Admission struct {
	limiter  *RateLimiter
	slots    *semaphore.Weighted
	capacity int64
	wait     time.Duration
	interval time.Duration
	logger   logging.Logger
}

// NewAdmission creates an Admission.
func NewAdmission(cfg AdmissionConfig, logger logging.Logger) *Admission {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Admission{
		limiter:  NewRateLimiter(cfg.RateLimit),
		wait:     cfg.Wait,
		interval: cfg.CleanupInterval,
		logger:   logger,
	}
	if cfg.MaxConcurrent > 0 {
		a.capacity = int64(cfg.MaxConcurrent)
		a.slots = semaphore.NewWeighted(a.capacity)
	}
	if a.interval <= 0 {
		a.interval = 5 * time.Minute
	}
	return a
}

// Limiter exposes the underlying rate limiter.
func (a *Admission) Limiter() *RateLimiter {
	return a.limiter
}

// Admit charges one request to clientID and reserves a run slot.
// On success the returned release func must be called exactly once.
// The surface label ("http", "grpc", "dashboard") tags the rejection metric.
func (a *Admission) Admit(ctx context.Context, surface, clientID string) (release func(), err error) {
	if res := a.limiter.Allow(clientID); !res.Allowed {
		observability.RecordAdmissionRejection(surface, "rate_limited")
		a.logger.Warn("admission_rate_limited",
			"surface", surface,
			"client_id", clientID,
			"window", res.LimitType,
			"retry_after_ms", res.RetryAfter.Milliseconds(),
		)
		return nil, &RateLimitError{Result: res}
	}

	if a.slots == nil {
		return func() {}, nil
	}

	waitCtx := ctx
	if a.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.wait)
		defer cancel()
	}
	if err := a.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		observability.RecordAdmissionRejection(surface, "at_capacity")
		a.logger.Warn("admission_at_capacity",
			"surface", surface,
			"client_id", clientID,
			"max_concurrent", a.capacity,
		)
		return nil, ErrAtCapacity
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		a.slots.Release(1)
	}, nil
}

// StartCleanupLoop periodically drops empty rate windows until the returned
// stop func is called.
func (a *Admission) StartCleanupLoop() func() {
	ticker := time.NewTicker(a.interval)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				a.cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (a *Admission) cleanup() {
	_ = SafeExecute(a.logger, "admission_cleanup", func() error {
		cleaned := a.limiter.CleanupExpired()
		a.logger.Debug("cleanup_cycle_completed", "windows_cleaned", cleaned)
		return nil
	})
}
