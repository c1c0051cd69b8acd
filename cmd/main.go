package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davidbz/promptgate/internal/cache"
	"github.com/davidbz/promptgate/internal/cache/memory"
	"github.com/davidbz/promptgate/internal/config"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/http"
	"github.com/davidbz/promptgate/internal/http/middleware"
	"github.com/davidbz/promptgate/internal/observability"
	"github.com/davidbz/promptgate/internal/resilience"
)

func main() {
	container := buildContainer()

	if err := container.Invoke(run); err != nil {
		log.Fatalf("Application failed: %v", err)
	}
}

func buildContainer() *dig.Container {
	container := dig.New()

	// Configuration
	if err := container.Provide(config.Load); err != nil {
		log.Fatalf("Failed to provide config: %v", err)
	}
	if err := container.Provide(config.ParseDependenciesConfig); err != nil {
		log.Fatalf("Failed to provide config dependencies: %v", err)
	}

	// Observability
	if err := container.Provide(observability.InitLogger); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}
	if err := container.Provide(func(logger *zap.Logger) *observability.EventBus {
		bus := observability.NewEventBus(logger)
		bus.Subscribe(observability.AllEvents, observability.CountEvents)
		return bus
	}); err != nil {
		log.Fatalf("Failed to provide event bus: %v", err)
	}
	if err := container.Provide(func(bus *observability.EventBus) domain.EventPublisher {
		return bus
	}); err != nil {
		log.Fatalf("Failed to provide event publisher: %v", err)
	}

	// Provider Registry (catalog + adapters)
	if err := container.Provide(newProviderRegistry); err != nil {
		log.Fatalf("Failed to provide registry: %v", err)
	}

	// Pricing
	if err := container.Provide(newPricingRegistry); err != nil {
		log.Fatalf("Failed to provide pricing registry: %v", err)
	}
	if err := container.Provide(func(pricing domain.PricingRegistry) domain.CostCalculator {
		return domain.NewStandardCostCalculator(pricing)
	}); err != nil {
		log.Fatalf("Failed to provide cost calculator: %v", err)
	}

	// Resilience
	if err := container.Provide(func(reg domain.ProviderRegistry) domain.RateLimiter {
		return resilience.NewTokenBucketLimiter(reg.Descriptors(context.Background()))
	}); err != nil {
		log.Fatalf("Failed to provide rate limiter: %v", err)
	}
	if err := container.Provide(func(
		cfg *resilience.BreakerConfig,
		reg domain.ProviderRegistry,
		events domain.EventPublisher,
	) domain.CircuitBreaker {
		return resilience.NewProviderBreakers(cfg, reg.Descriptors(context.Background()), events)
	}); err != nil {
		log.Fatalf("Failed to provide circuit breaker: %v", err)
	}
	if err := container.Provide(func(reg domain.ProviderRegistry) domain.Bulkhead {
		return resilience.NewSemaphoreBulkhead(reg.Descriptors(context.Background()))
	}); err != nil {
		log.Fatalf("Failed to provide bulkhead: %v", err)
	}
	if err := container.Provide(func(defaults *domain.RetryPolicy) *domain.RetryExecutor {
		return domain.NewRetryExecutor(*defaults)
	}); err != nil {
		log.Fatalf("Failed to provide retry executor: %v", err)
	}

	// Response Cache
	if err := container.Provide(newResponseCache); err != nil {
		log.Fatalf("Failed to provide response cache: %v", err)
	}

	// Domain Services
	if err := container.Provide(domain.NewDispatcher); err != nil {
		log.Fatalf("Failed to provide dispatcher: %v", err)
	}

	// HTTP Layer
	if err := container.Provide(func(d *domain.Dispatcher) http.Dispatcher {
		return d
	}); err != nil {
		log.Fatalf("Failed to provide HTTP dispatcher: %v", err)
	}
	if err := container.Provide(middleware.BuildMiddlewareChain); err != nil {
		log.Fatalf("Failed to provide middleware chain: %v", err)
	}
	if err := container.Provide(http.NewHandler); err != nil {
		log.Fatalf("Failed to provide HTTP handler: %v", err)
	}
	if err := container.Provide(http.NewServer); err != nil {
		log.Fatalf("Failed to provide HTTP server: %v", err)
	}

	return container
}

// run serves HTTP and sweeps the memory cache until a shutdown signal arrives.
func run(
	logger *zap.Logger,
	server *http.Server,
	serverCfg *config.ServerConfig,
	responseCache domain.ResponseCache,
	cacheCfg *cache.Config,
) error {
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(server.Start)

	if sweeper, ok := responseCache.(*memory.Cache); ok {
		group.Go(func() error {
			return sweeper.Run(groupCtx, cacheCfg.SweepInterval)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(serverCfg.ShutdownTimeout)*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
