package domain

import (
	"context"
	"errors"
)

const tokensPerPricingUnit = 1000.0

// ErrPricingNotFound indicates the model has no registered pricing.
var ErrPricingNotFound = errors.New("pricing not found")

// PricingConfig is the USD price per 1K tokens of a model.
type PricingConfig struct {
	InputCostPer1K  float64 `yaml:"input_per_1k"`
	OutputCostPer1K float64 `yaml:"output_per_1k"`
}

// Cost prices usage. When a provider reports only a total, it is billed at the input rate.
func (p PricingConfig) Cost(usage Usage) float64 {
	input, output := usage.PromptTokens, usage.CompletionTokens
	if input == 0 && output == 0 {
		input = usage.TotalTokens
	}
	return (float64(input)*p.InputCostPer1K + float64(output)*p.OutputCostPer1K) / tokensPerPricingUnit
}

// CostCalculator estimates the cost of a completed call.
type CostCalculator interface {
	// Calculate returns the estimated USD cost; unknown models cost 0.
	Calculate(ctx context.Context, model string, usage Usage) (float64, error)
}

// PricingRegistry looks up pricing per model.
type PricingRegistry interface {
	// GetPricing returns the model's pricing or an error wrapping ErrPricingNotFound.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)
}
