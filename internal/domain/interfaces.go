package domain

import "context"

// Adapter translates standardized requests into calls to one provider.
type Adapter interface {
	// Invoke performs a single provider call. Failures are *DispatchError values.
	Invoke(ctx context.Context, req *AdapterRequest) (*AdapterReply, error)

	// Name returns the provider identifier.
	Name() string

	// Ready reports whether the adapter is configured to make calls.
	Ready(ctx context.Context) bool
}

// ProviderRegistry resolves models to providers and their adapters.
type ProviderRegistry interface {
	// Register adds a provider descriptor with its adapter.
	Register(ctx context.Context, descriptor ProviderDescriptor, adapter Adapter) error

	// ResolveProvider returns the descriptor serving a model.
	ResolveProvider(ctx context.Context, model string) (ProviderDescriptor, error)

	// Adapter returns the adapter for a provider.
	Adapter(ctx context.Context, providerID string) (Adapter, error)

	// Descriptors returns all registered descriptors.
	Descriptors(ctx context.Context) []ProviderDescriptor
}

// RateLimiter admits requests per provider without blocking.
type RateLimiter interface {
	// TryAcquire takes one token from the provider's bucket if available.
	TryAcquire(providerID string) bool

	// Available reports whether a token could currently be taken.
	Available(providerID string) bool
}

// CircuitBreaker guards calls to unhealthy providers.
type CircuitBreaker interface {
	// Allow admits one call and returns the callback that records its outcome.
	Allow(providerID string) (done func(healthy bool), err error)

	// State returns the provider's current circuit state.
	State(providerID string) CircuitState
}

// Bulkhead caps concurrent in-flight calls per provider.
type Bulkhead interface {
	// Acquire takes a slot without blocking. The release func is idempotent.
	Acquire(providerID string) (release func(), err error)

	// InFlight returns the number of occupied slots.
	InFlight(providerID string) int

	// Capacity returns the configured maximum, 0 when uncapped.
	Capacity(providerID string) int
}

// EventPublisher publishes events for observability.
type EventPublisher interface {
	// Publish publishes an event with the given type and data.
	Publish(ctx context.Context, eventType string, data map[string]interface{})
}
