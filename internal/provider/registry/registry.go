package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/davidbz/promptgate/internal/domain"
)

type registration struct {
	descriptor domain.ProviderDescriptor
	adapter    domain.Adapter
}

// Registry implements the ProviderRegistry interface.
// Providers are registered at startup; afterwards it is only read.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]registration
	modelToProvider map[string]string
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:              sync.RWMutex{},
		providers:       make(map[string]registration),
		modelToProvider: make(map[string]string),
	}
}

// Register adds a provider descriptor and its adapter.
func (r *Registry) Register(_ context.Context, descriptor domain.ProviderDescriptor, adapter domain.Adapter) error {
	if adapter == nil {
		return errors.New("adapter cannot be nil")
	}
	if descriptor.ID == "" {
		return errors.New("provider id cannot be empty")
	}
	if len(descriptor.Models) == 0 {
		return fmt.Errorf("provider %s declares no models", descriptor.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[descriptor.ID]; exists {
		return fmt.Errorf("provider %s already registered", descriptor.ID)
	}
	for _, model := range descriptor.Models {
		if owner, claimed := r.modelToProvider[model]; claimed {
			return fmt.Errorf("model %s already served by provider %s", model, owner)
		}
	}

	r.providers[descriptor.ID] = registration{descriptor: descriptor, adapter: adapter}

	// Build reverse index from the descriptor's models
	for _, model := range descriptor.Models {
		r.modelToProvider[model] = descriptor.ID
	}

	return nil
}

// ResolveProvider returns the descriptor of the provider serving model.
func (r *Registry) ResolveProvider(_ context.Context, model string) (domain.ProviderDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providerID, exists := r.modelToProvider[model]
	if !exists {
		return domain.ProviderDescriptor{}, &domain.DispatchError{
			Kind:    domain.KindUnsupportedModel,
			Model:   model,
			Message: fmt.Sprintf("no provider serves model %q", model),
		}
	}

	return r.providers[providerID].descriptor, nil
}

// Adapter returns the adapter registered for a provider.
func (r *Registry) Adapter(_ context.Context, providerID string) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.providers[providerID]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", providerID)
	}

	return reg.adapter, nil
}

// Descriptors returns all registered descriptors ordered by id.
func (r *Registry) Descriptors(_ context.Context) []domain.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors := make([]domain.ProviderDescriptor, 0, len(r.providers))
	for _, reg := range r.providers {
		descriptors = append(descriptors, reg.descriptor)
	}
	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].ID < descriptors[j].ID
	})

	return descriptors
}
