package resilience

import (
	"golang.org/x/time/rate"

	"github.com/davidbz/promptgate/internal/domain"
)

const secondsPerMinute = 60

// TokenBucketLimiter admits requests per provider from continuously refilled token buckets.
type TokenBucketLimiter struct {
	// nil entries mean the provider has no local limit.
	limiters map[string]*rate.Limiter
}

// NewTokenBucketLimiter creates one bucket per descriptor.
func NewTokenBucketLimiter(descriptors []domain.ProviderDescriptor) *TokenBucketLimiter {
	limiters := make(map[string]*rate.Limiter, len(descriptors))
	for _, d := range descriptors {
		if d.RequestsPerMinute <= 0 {
			limiters[d.ID] = nil
			continue
		}

		burst := d.Burst
		if burst <= 0 {
			burst = max(1, d.RequestsPerMinute/secondsPerMinute)
		}

		limiters[d.ID] = rate.NewLimiter(rate.Limit(float64(d.RequestsPerMinute)/secondsPerMinute), burst)
	}

	return &TokenBucketLimiter{limiters: limiters}
}

// TryAcquire takes one token if available. It never blocks.
func (l *TokenBucketLimiter) TryAcquire(providerID string) bool {
	limiter := l.limiters[providerID]
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// Available reports whether a token could currently be taken.
func (l *TokenBucketLimiter) Available(providerID string) bool {
	limiter := l.limiters[providerID]
	if limiter == nil {
		return true
	}
	return limiter.Tokens() >= 1
}
