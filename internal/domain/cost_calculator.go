package domain

import (
	"context"
	"errors"
)

// StandardCostCalculator prices token usage from a PricingRegistry.
type StandardCostCalculator struct {
	pricingRegistry PricingRegistry
}

// NewStandardCostCalculator creates a cost calculator backed by registry.
func NewStandardCostCalculator(registry PricingRegistry) *StandardCostCalculator {
	return &StandardCostCalculator{
		pricingRegistry: registry,
	}
}

// Calculate implements CostCalculator. Missing pricing is not an error; the
// estimate is best effort and reported as zero.
func (c *StandardCostCalculator) Calculate(ctx context.Context, model string, usage Usage) (float64, error) {
	if model == "" {
		return 0, errors.New("model cannot be empty")
	}

	pricing, err := c.pricingRegistry.GetPricing(ctx, model)
	if errors.Is(err, ErrPricingNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return pricing.Cost(usage), nil
}
