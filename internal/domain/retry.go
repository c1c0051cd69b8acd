package domain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/davidbz/promptgate/internal/observability"
)

const (
	defaultMaxRetries    = 3
	defaultInitialDelay  = 200 * time.Millisecond
	defaultBackoffFactor = 2.0
	defaultMaxDelay      = 10 * time.Second
)

// DefaultRetryPolicy returns the policy used when neither config nor caller override it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    defaultMaxRetries,
		InitialDelay:  defaultInitialDelay,
		BackoffFactor: defaultBackoffFactor,
		MaxDelay:      defaultMaxDelay,
	}
}

// Attempt performs one try of a logical call; index starts at 0.
type Attempt func(ctx context.Context, index int) error

// RetryExecutor runs attempts with exponential backoff between retryable failures.
type RetryExecutor struct {
	defaults RetryPolicy
}

// NewRetryExecutor creates a retry executor with the given default policy.
func NewRetryExecutor(defaults RetryPolicy) *RetryExecutor {
	return &RetryExecutor{
		defaults: fillPolicy(defaults, DefaultRetryPolicy()),
	}
}

// Policy resolves the effective policy for an optional per-call override.
func (r *RetryExecutor) Policy(override *RetryPolicy) RetryPolicy {
	if override == nil {
		return r.defaults
	}
	return fillPolicy(*override, r.defaults)
}

// Execute calls attempt until it succeeds, fails with a non-retryable error,
// or MaxRetries retries are spent. It returns the number of attempts made and
// the last error.
func (r *RetryExecutor) Execute(ctx context.Context, override *RetryPolicy, attempt Attempt) (int, error) {
	policy := r.Policy(override)
	delays := newBackOff(policy)
	logger := observability.FromContext(ctx)

	attempts := 0
	for {
		err := attempt(ctx, attempts)
		attempts++

		if err == nil {
			if attempts > 1 {
				logger.Info("attempt succeeded after retry",
					observability.Int("attempt", attempts))
			}
			return attempts, nil
		}

		if !IsRetryable(err) {
			logger.Debug("non-retryable error, aborting",
				observability.Error(err),
				observability.Int("attempt", attempts))
			return attempts, err
		}

		if attempts > policy.MaxRetries {
			logger.Warn("retries exhausted",
				observability.Error(err),
				observability.Int("attempts", attempts))
			return attempts, err
		}

		delay := delays.NextBackOff()
		logger.Warn("retrying after error",
			observability.Error(err),
			observability.Int("attempt", attempts),
			observability.Int("max_retries", policy.MaxRetries),
			observability.Duration("retry_delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, WrapError(KindOf(ctx.Err()), "retry backoff interrupted", ctx.Err())
		case <-timer.C:
		}
	}
}

func newBackOff(policy RetryPolicy) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffFactor,
		MaxInterval:         policy.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func fillPolicy(p, defaults RetryPolicy) RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = defaults.BackoffFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	return p
}
