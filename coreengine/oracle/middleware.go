package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
)

// =============================================================================
// RETRY
// =============================================================================

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	// MaxAttempts includes the first call. Values below 2 disable retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns three attempts with 500ms..5s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

type retryOracle struct {
	next     Oracle
	policy   RetryPolicy
	provider string
	logger   logging.Logger
}

// WithRetry retries transient failures (see IsRetryable) with exponential
// backoff. Malformed output and context errors are returned immediately.
func WithRetry(next Oracle, policy RetryPolicy, provider string, logger logging.Logger) Oracle {
	if policy.MaxAttempts < 2 {
		return next
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &retryOracle{next: next, policy: policy, provider: provider, logger: logger}
}

func (r *retryOracle) Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error) {
	eb := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		eb.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		eb.MaxInterval = r.policy.MaxInterval
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	op := func() (string, error) {
		out, err := r.next.Generate(ctx, model, prompt, schema, opts)
		if err != nil && !IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, wait time.Duration) {
		observability.RecordOracleRetry(r.provider)
		r.logger.Warn("oracle_call_retry", "schema", schema.Name, "error", err.Error(), "wait_ms", wait.Milliseconds())
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}

// =============================================================================
// RATE LIMIT
// =============================================================================

type rateLimitedOracle struct {
	next    Oracle
	limiter *rate.Limiter
}

// WithRateLimit blocks each call until limiter admits it. The limiter is
// usually shared by every client so that all runs draw from one quota.
func WithRateLimit(next Oracle, limiter *rate.Limiter) Oracle {
	if limiter == nil {
		return next
	}
	return &rateLimitedOracle{next: next, limiter: limiter}
}

func (r *rateLimitedOracle) Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("oracle rate limit: %w", err)
	}
	return r.next.Generate(ctx, model, prompt, schema, opts)
}

// =============================================================================
// METRICS
// =============================================================================

type instrumentedOracle struct {
	next     Oracle
	provider string
	logger   logging.Logger
}

// WithMetrics records call count, duration and outcome for every call.
func WithMetrics(next Oracle, provider string, logger logging.Logger) Oracle {
	if logger == nil {
		logger = logging.Nop()
	}
	return &instrumentedOracle{next: next, provider: provider, logger: logger}
}

func (m *instrumentedOracle) Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error) {
	start := time.Now()
	out, err := m.next.Generate(ctx, model, prompt, schema, opts)
	durationMS := int(time.Since(start).Milliseconds())

	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		m.logger.Warn("oracle_call_failed",
			"provider", m.provider, "model", model, "schema", schema.Name,
			"duration_ms", durationMS, "error", err.Error())
	} else {
		m.logger.Debug("oracle_call_completed",
			"provider", m.provider, "model", model, "schema", schema.Name,
			"duration_ms", durationMS, "response_len", len(out))
	}
	observability.RecordOracleCall(m.provider, model, status, durationMS)
	return out, err
}
