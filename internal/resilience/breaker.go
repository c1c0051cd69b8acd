package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

// BreakerConfig contains circuit breaker settings shared by all providers.
type BreakerConfig struct {
	Window       time.Duration `env:"BREAKER_WINDOW"         envDefault:"60s"`
	MinRequests  uint32        `env:"BREAKER_MIN_REQUESTS"   envDefault:"5"`
	FailureRatio float64       `env:"BREAKER_FAILURE_RATIO"  envDefault:"0.5"`
	ResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"  envDefault:"30s"`
}

// halfOpenTrials is the number of calls admitted while half-open.
const halfOpenTrials = 1

// ProviderBreakers guards each provider with its own two-step circuit breaker.
type ProviderBreakers struct {
	breakers map[string]*providerBreaker
}

// providerBreaker pairs a breaker with the trip rule it was built from.
// gobreaker consults ReadyToTrip on failures only, so successes re-check the
// window under mu.
type providerBreaker struct {
	cb   *gobreaker.TwoStepCircuitBreaker
	trip tripRule

	mu sync.Mutex
}

// tripRule opens a circuit once the window holds minRequests outcomes with a
// failure share of at least ratio.
type tripRule struct {
	minRequests uint32
	ratio       float64
}

func (r tripRule) ready(counts gobreaker.Counts) bool {
	if counts.Requests < r.minRequests {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= r.ratio
}

// NewProviderBreakers creates one breaker per descriptor. events may be nil.
func NewProviderBreakers(
	cfg *BreakerConfig,
	descriptors []domain.ProviderDescriptor,
	events domain.EventPublisher,
) *ProviderBreakers {
	minRequests := cfg.MinRequests
	if minRequests == 0 {
		minRequests = 1
	}

	rule := tripRule{minRequests: minRequests, ratio: cfg.FailureRatio}

	breakers := make(map[string]*providerBreaker, len(descriptors))
	for _, d := range descriptors {
		breakers[d.ID] = &providerBreaker{
			trip: rule,
			cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
				Name:        d.ID,
				MaxRequests: halfOpenTrials,
				Interval:    cfg.Window,
				Timeout:     cfg.ResetTimeout,
				ReadyToTrip: rule.ready,
				OnStateChange: func(name string, from, to gobreaker.State) {
					onStateChange(events, name, from, to)
				},
			}),
		}
		observability.CircuitState.WithLabelValues(d.ID).Set(stateGauge(gobreaker.StateClosed))
	}

	return &ProviderBreakers{breakers: breakers}
}

// Allow admits one call if the provider's circuit permits it.
// The returned done must be called exactly once with the call's health.
func (p *ProviderBreakers) Allow(providerID string) (func(healthy bool), error) {
	breaker, ok := p.breakers[providerID]
	if !ok {
		return func(bool) {}, nil
	}

	done, err := breaker.cb.Allow()
	if err != nil {
		message := "circuit open"
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			message = "circuit half-open, trial call in progress"
		}
		return nil, &domain.DispatchError{
			Kind:     domain.KindCircuitOpen,
			Provider: providerID,
			Message:  message,
			Err:      err,
		}
	}

	return func(healthy bool) {
		done(healthy)
		if healthy {
			breaker.tripIfReady()
		}
	}, nil
}

// tripIfReady opens a closed circuit whose window already breaches the trip
// rule. The breach is recorded as one more failure so gobreaker itself makes
// the transition.
func (b *providerBreaker) tripIfReady() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cb.State() != gobreaker.StateClosed || !b.trip.ready(b.cb.Counts()) {
		return
	}

	done, err := b.cb.Allow()
	if err != nil {
		return
	}
	done(false)
}

// State returns the provider's current circuit state.
func (p *ProviderBreakers) State(providerID string) domain.CircuitState {
	breaker, ok := p.breakers[providerID]
	if !ok {
		return domain.CircuitClosed
	}
	return toCircuitState(breaker.cb.State())
}

func onStateChange(events domain.EventPublisher, provider string, from, to gobreaker.State) {
	observability.CircuitState.WithLabelValues(provider).Set(stateGauge(to))

	observability.FromContext(context.Background()).Warn("circuit breaker state changed",
		observability.String("provider", provider),
		observability.String("from", string(toCircuitState(from))),
		observability.String("to", string(toCircuitState(to))))

	if events != nil {
		events.Publish(context.Background(), "circuit.state_changed", map[string]interface{}{
			"provider": provider,
			"from":     string(toCircuitState(from)),
			"to":       string(toCircuitState(to)),
		})
	}
}

func toCircuitState(state gobreaker.State) domain.CircuitState {
	switch state {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func stateGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
