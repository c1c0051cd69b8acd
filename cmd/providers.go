package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidbz/promptgate/internal/cache"
	"github.com/davidbz/promptgate/internal/cache/memory"
	cacheredis "github.com/davidbz/promptgate/internal/cache/redis"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
	"github.com/davidbz/promptgate/internal/provider/anthropic"
	"github.com/davidbz/promptgate/internal/provider/catalog"
	"github.com/davidbz/promptgate/internal/provider/echo"
	"github.com/davidbz/promptgate/internal/provider/google"
	"github.com/davidbz/promptgate/internal/provider/openai"
	"github.com/davidbz/promptgate/internal/provider/registry"
)

// ErrProviderNotConfigured indicates that a provider is not configured and should be skipped.
var ErrProviderNotConfigured = errors.New("provider not configured")

// providerConfigs groups adapter credentials.
type providerConfigs struct {
	openai    *openai.Config
	anthropic *anthropic.Config
	google    *google.Config
}

// newProviderRegistry loads the catalog and registers every provider that has an adapter.
func newProviderRegistry(
	logger *zap.Logger,
	catalogCfg *catalog.Config,
	openaiCfg *openai.Config,
	anthropicCfg *anthropic.Config,
	googleCfg *google.Config,
) (domain.ProviderRegistry, error) {
	ctx := context.Background()

	descriptors, err := catalog.Load(catalogCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider catalog: %w", err)
	}

	configs := providerConfigs{openai: openaiCfg, anthropic: anthropicCfg, google: googleCfg}
	reg := registry.NewRegistry()

	for _, descriptor := range descriptors {
		adapter, adapterErr := newAdapter(ctx, descriptor, configs)
		if errors.Is(adapterErr, ErrProviderNotConfigured) {
			logger.Info("skipping provider without credentials",
				observability.String("provider", descriptor.ID))
			continue
		}
		if adapterErr != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", descriptor.ID, adapterErr)
		}

		if err := reg.Register(ctx, descriptor, adapter); err != nil {
			return nil, fmt.Errorf("failed to register %s provider: %w", descriptor.ID, err)
		}
		logger.Info("registered provider",
			observability.String("provider", descriptor.ID),
			observability.Int("models", len(descriptor.Models)))
	}

	return reg, nil
}

func newAdapter(ctx context.Context, descriptor domain.ProviderDescriptor, configs providerConfigs) (domain.Adapter, error) {
	switch descriptor.ID {
	case "echo":
		return echo.NewAdapter(), nil
	case "openai":
		if configs.openai.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		cfg := *configs.openai
		if cfg.BaseURL == "" {
			cfg.BaseURL = descriptor.BaseURL
		}
		return openai.NewAdapter(cfg)
	case "anthropic":
		if configs.anthropic.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		cfg := *configs.anthropic
		if cfg.BaseURL == "" {
			cfg.BaseURL = descriptor.BaseURL
		}
		return anthropic.NewAdapter(cfg)
	case "google":
		if configs.google.APIKey == "" {
			return nil, ErrProviderNotConfigured
		}
		cfg := *configs.google
		if cfg.BaseURL == "" {
			cfg.BaseURL = descriptor.BaseURL
		}
		return google.NewAdapter(ctx, cfg)
	default:
		return nil, fmt.Errorf("no adapter implementation for provider %q", descriptor.ID)
	}
}

// newPricingRegistry loads pricing for every registered provider.
func newPricingRegistry(reg domain.ProviderRegistry) (domain.PricingRegistry, error) {
	pricing, err := domain.NewPriceTable(reg.Descriptors(context.Background()))
	if err != nil {
		return nil, fmt.Errorf("failed to build price table: %w", err)
	}

	return pricing, nil
}

// newResponseCache builds the configured response cache backend; nil disables caching.
func newResponseCache(logger *zap.Logger, cfg *cache.Config) (domain.ResponseCache, error) {
	ctx := context.Background()
	logger = logger.With(observability.String("backend", string(cfg.Backend)))

	switch cfg.Backend {
	case cache.BackendMemory:
		logger.Info("using in-memory response cache", observability.Int("capacity", cfg.Capacity))
		store, err := memory.NewCache(cfg.Capacity)
		if err != nil {
			return nil, err
		}
		return store, nil
	case cache.BackendRedis:
		client, err := cacheredis.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("using redis response cache", observability.String("addr", cfg.RedisAddr))
		return cacheredis.NewResponseStore(client, cfg.KeyPrefix), nil
	case cache.BackendNone:
		logger.Info("response cache disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
