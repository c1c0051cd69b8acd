package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// PriceTable is the PricingRegistry built from provider catalogs. Each model
// is priced by exactly one provider.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]modelPrice
}

type modelPrice struct {
	provider string
	config   PricingConfig
}

// NewPriceTable creates a price table holding the pricing of every descriptor.
func NewPriceTable(descriptors []ProviderDescriptor) (*PriceTable, error) {
	table := &PriceTable{prices: make(map[string]modelPrice)}
	for _, d := range descriptors {
		if err := table.Load(d); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// Load adds the descriptor's pricing, replacing entries it already owns.
func (t *PriceTable) Load(d ProviderDescriptor) error {
	models := make([]string, 0, len(d.Pricing))
	for model := range d.Pricing {
		models = append(models, model)
	}
	sort.Strings(models)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, model := range models {
		config := d.Pricing[model]
		switch {
		case model == "":
			return fmt.Errorf("provider %s prices an unnamed model", d.ID)
		case config.InputCostPer1K < 0 || config.OutputCostPer1K < 0:
			return fmt.Errorf("provider %s has a negative price for %s", d.ID, model)
		}
		if owner, ok := t.prices[model]; ok && owner.provider != d.ID {
			return fmt.Errorf("model %s is priced by both %s and %s", model, owner.provider, d.ID)
		}
		t.prices[model] = modelPrice{provider: d.ID, config: config}
	}
	return nil
}

// GetPricing implements PricingRegistry.
func (t *PriceTable) GetPricing(_ context.Context, model string) (PricingConfig, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	price, ok := t.prices[model]
	if !ok {
		return PricingConfig{}, fmt.Errorf("%w for model %s", ErrPricingNotFound, model)
	}
	return price.config, nil
}

// Provider returns the provider whose catalog prices model.
func (t *PriceTable) Provider(model string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	price, ok := t.prices[model]
	return price.provider, ok
}
