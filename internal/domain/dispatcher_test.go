package domain_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/promptgate/internal/cache/memory"
	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
	"github.com/davidbz/promptgate/internal/provider/registry"
	"github.com/davidbz/promptgate/internal/resilience"
)

const (
	testProvider = "mock"
	testModel    = "mock-1"
)

type mockAdapter struct {
	calls      atomic.Int32
	invokeFunc func(ctx context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error)
}

func (m *mockAdapter) Invoke(ctx context.Context, req *domain.AdapterRequest) (*domain.AdapterReply, error) {
	call := int(m.calls.Add(1))
	if m.invokeFunc != nil {
		return m.invokeFunc(ctx, req, call)
	}
	return reply(req.Prompt), nil
}

func (m *mockAdapter) Name() string {
	return testProvider
}

func (m *mockAdapter) Ready(_ context.Context) bool {
	return true
}

func (m *mockAdapter) Calls() int {
	return int(m.calls.Load())
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) Publish(_ context.Context, eventType string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recordingEvents) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func (r *recordingEvents) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	dispatcher *domain.Dispatcher
	adapter    *mockAdapter
	bulkhead   *resilience.SemaphoreBulkhead
	breakers   *resilience.ProviderBreakers
	cache      *memory.Cache
	events     *recordingEvents
}

type fixtureConfig struct {
	descriptor   domain.ProviderDescriptor
	resetTimeout time.Duration
	pricing      map[string]domain.PricingConfig
}

func defaultDescriptor() domain.ProviderDescriptor {
	return domain.ProviderDescriptor{
		ID:                testProvider,
		Models:            []string{testModel},
		RequestsPerMinute: 6000,
		Burst:             100,
		MaxConcurrent:     4,
		Timeout:           time.Second,
	}
}

func newFixture(t *testing.T, adapter *mockAdapter, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()

	cfg := fixtureConfig{
		descriptor:   defaultDescriptor(),
		resetTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.descriptor.Pricing = cfg.pricing

	ctx := context.Background()
	reg := registry.NewRegistry()
	require.NoError(t, reg.Register(ctx, cfg.descriptor, adapter))
	descriptors := reg.Descriptors(ctx)

	pricing, err := domain.NewPriceTable(descriptors)
	require.NoError(t, err)

	responseCache, err := memory.NewCache(100)
	require.NoError(t, err)

	events := &recordingEvents{}
	bulkhead := resilience.NewSemaphoreBulkhead(descriptors)
	breakers := resilience.NewProviderBreakers(&resilience.BreakerConfig{
		Window:       time.Minute,
		MinRequests:  5,
		FailureRatio: 0.5,
		ResetTimeout: cfg.resetTimeout,
	}, descriptors, events)

	retry := domain.NewRetryExecutor(domain.RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 2,
		MaxDelay:      5 * time.Millisecond,
	})

	dispatcher := domain.NewDispatcher(
		&domain.DispatcherConfig{CallTimeout: time.Second, CacheTTL: time.Minute},
		reg,
		resilience.NewTokenBucketLimiter(descriptors),
		breakers,
		bulkhead,
		responseCache,
		retry,
		domain.NewStandardCostCalculator(pricing),
		events,
	)

	return &fixture{
		dispatcher: dispatcher,
		adapter:    adapter,
		bulkhead:   bulkhead,
		breakers:   breakers,
		cache:      responseCache,
		events:     events,
	}
}

func reply(content string) *domain.AdapterReply {
	return &domain.AdapterReply{
		ResponseID: "resp-1",
		Model:      testModel,
		Content:    content,
		Usage:      domain.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}
}

func prompt() domain.Prompt {
	return domain.Prompt{ID: "prompt-1", Content: "hello world"}
}

func options() domain.ExecutionOptions {
	return domain.ExecutionOptions{Model: testModel, MaxTokens: 64, Temperature: 0.2}
}

func uncached() domain.ExecutionOptions {
	opts := options()
	opts.Cache = &domain.CachePolicy{Bypass: true}
	return opts
}

func noRetry(opts domain.ExecutionOptions) domain.ExecutionOptions {
	opts.Retry = &domain.RetryPolicy{MaxRetries: 0}
	return opts
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) *domain.DispatchError {
	t.Helper()
	require.Error(t, err)
	var dispatchErr *domain.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Equal(t, kind, dispatchErr.Kind, "error: %v", err)
	return dispatchErr
}

func inFlightGauge(t *testing.T) float64 {
	t.Helper()
	var metric dto.Metric
	require.NoError(t, observability.BulkheadInFlight.WithLabelValues(testProvider).Write(&metric))
	return metric.GetGauge().GetValue()
}

// blockingAdapter signals entered on each call and holds it until release closes or ctx ends.
func blockingAdapter(entered chan<- struct{}, release <-chan struct{}) *mockAdapter {
	return &mockAdapter{
		invokeFunc: func(ctx context.Context, req *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return reply(req.Prompt), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func TestDispatcher_ExecutePrompt(t *testing.T) {
	ctx := context.Background()

	t.Run("should return a standardized response on success", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.Equal(t, "hello world", resp.Content)
		require.Equal(t, 7, resp.TokenCount)
		require.Equal(t, testModel, resp.Metadata.Model)
		require.Equal(t, testProvider, resp.Metadata.Provider)
		require.Equal(t, "resp-1", resp.Metadata.ResponseID)
		require.False(t, resp.Metadata.Timestamp.IsZero())
		require.True(t, resp.Telemetry.Success)
		require.False(t, resp.Telemetry.CacheHit)
		require.Zero(t, resp.Telemetry.RetryCount)
		require.True(t, resp.Latency > 0)
		require.Equal(t, 1, f.adapter.Calls())
		require.Contains(t, f.events.Types(), "prompt.executed")
	})

	t.Run("should pass execution options to the adapter", func(t *testing.T) {
		var got *domain.AdapterRequest
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, req *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				got = req
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter)

		opts := options()
		opts.Parameters = map[string]any{"top_p": 0.9}
		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)
		require.NoError(t, err)

		require.NotNil(t, got)
		require.Equal(t, testModel, got.Model)
		require.Equal(t, "hello world", got.Prompt)
		require.Equal(t, 64, got.MaxTokens)
		require.InDelta(t, 0.2, got.Temperature, 1e-9)
		require.Equal(t, 0.9, got.Parameters["top_p"])
	})

	t.Run("should reject an unsupported model without calling the adapter", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		opts := options()
		opts.Model = "not-a-real-model"
		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)

		dispatchErr := requireKind(t, err, domain.KindUnsupportedModel)
		require.True(t, errors.Is(err, domain.ErrUnsupportedModel))
		require.Equal(t, "not-a-real-model", dispatchErr.Model)
		require.Zero(t, f.adapter.Calls())
		require.Contains(t, f.events.Types(), "prompt.failed")
	})

	t.Run("should reject an empty model", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		opts := options()
		opts.Model = ""
		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)

		requireKind(t, err, domain.KindUnsupportedModel)
		require.Zero(t, f.adapter.Calls())
	})

	t.Run("should estimate cost from catalog pricing and pass remaining quota through", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, req *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return &domain.AdapterReply{
					Content:        req.Prompt,
					Usage:          domain.Usage{PromptTokens: 1000, CompletionTokens: 500},
					RemainingQuota: 42,
				}, nil
			},
		}
		f := newFixture(t, adapter, func(c *fixtureConfig) {
			c.pricing = map[string]domain.PricingConfig{
				testModel: {InputCostPer1K: 0.01, OutputCostPer1K: 0.02},
			}
		})

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.InDelta(t, 0.02, resp.ProviderMetrics.CostEstimate, 1e-9)
		require.Equal(t, 42, resp.ProviderMetrics.RemainingQuota)
		require.Equal(t, 1500, resp.TokenCount)
		require.Equal(t, testModel, resp.Metadata.Model)
	})

	t.Run("should report zero cost when the model has no pricing", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.Zero(t, resp.ProviderMetrics.CostEstimate)
	})
}

func TestDispatcher_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("should serve identical requests from cache with one adapter call", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		first, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		second, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)

		require.Equal(t, 1, f.adapter.Calls())
		require.False(t, first.Telemetry.CacheHit)
		require.True(t, second.Telemetry.CacheHit)
		require.Equal(t, first.Content, second.Content)
		require.Equal(t, first.Usage, second.Usage)
		require.Equal(t, first.Latency, second.Latency)
		require.Equal(t, first.Metadata.ResponseID, second.Metadata.ResponseID)
		require.True(t, first.Metadata.Timestamp.Equal(second.Metadata.Timestamp))
	})

	t.Run("should not share entries across different parameters", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)

		opts := options()
		opts.Parameters = map[string]any{"top_p": 0.5}
		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)
		require.NoError(t, err)

		require.False(t, resp.Telemetry.CacheHit)
		require.Equal(t, 2, f.adapter.Calls())
	})

	t.Run("should skip read and write when bypassed", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		require.NoError(t, err)
		require.Zero(t, f.cache.Len())

		_, err = f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		require.NoError(t, err)

		require.False(t, resp.Telemetry.CacheHit)
		require.Equal(t, 3, f.adapter.Calls())
	})

	t.Run("should call the provider again once the ttl has elapsed", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})
		now := time.Now()
		var mu sync.Mutex
		f.cache.SetClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		})

		opts := options()
		opts.Cache = &domain.CachePolicy{TTL: 10 * time.Second}

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)
		require.NoError(t, err)

		mu.Lock()
		now = now.Add(11 * time.Second)
		mu.Unlock()

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)
		require.NoError(t, err)
		require.False(t, resp.Telemetry.CacheHit)
		require.Equal(t, 2, f.adapter.Calls())
	})

	t.Run("should not cache failures", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if call == 1 {
					return nil, domain.NewError(domain.KindProviderFatal, "bad request")
				}
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		requireKind(t, err, domain.KindProviderFatal)

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.False(t, resp.Telemetry.CacheHit)
		require.Equal(t, 2, f.adapter.Calls())
	})

	t.Run("should collapse concurrent identical misses into one provider call", func(t *testing.T) {
		entered := make(chan struct{}, 8)
		release := make(chan struct{})
		f := newFixture(t, blockingAdapter(entered, release))

		const callers = 5
		results := make([]*domain.StandardizedResponse, callers)
		errs := make([]error, callers)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[0], errs[0] = f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		}()
		<-entered

		for i := 1; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = f.dispatcher.ExecutePrompt(ctx, prompt(), options())
			}(i)
		}

		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()

		require.Equal(t, 1, f.adapter.Calls())
		shared := 0
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, "hello world", results[i].Content)
			if results[i].Telemetry.Deduplicated || results[i].Telemetry.CacheHit {
				shared++
			}
		}
		require.Equal(t, callers-1, shared)
	})
}

func TestDispatcher_RateLimit(t *testing.T) {
	ctx := context.Background()

	t.Run("should admit the burst and reject the next call", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{}, func(c *fixtureConfig) {
			c.descriptor.RequestsPerMinute = 5
			c.descriptor.Burst = 5
		})

		for i := 0; i < 5; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
			require.NoError(t, err)
		}

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindRateLimitExceeded)
		require.True(t, errors.Is(err, domain.ErrRateLimitExceeded))
		require.Equal(t, 5, f.adapter.Calls())
	})

	t.Run("should serve cache hits without consuming tokens", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{}, func(c *fixtureConfig) {
			c.descriptor.RequestsPerMinute = 1
			c.descriptor.Burst = 1
		})

		for i := 0; i < 3; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
			require.NoError(t, err)
		}
		require.Equal(t, 1, f.adapter.Calls())
	})
}

func TestDispatcher_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("should succeed after two transient failures", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if call <= 2 {
					return nil, domain.NewError(domain.KindProviderTransient, "upstream 503")
				}
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter)

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.True(t, resp.Telemetry.Success)
		require.Equal(t, 2, resp.Telemetry.RetryCount)
		require.Equal(t, 3, f.adapter.Calls())
	})

	t.Run("should surface the last error after exhausting retries", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, domain.NewError(domain.KindProviderRateLimit, "slow down")
			},
		}
		f := newFixture(t, adapter)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())

		dispatchErr := requireKind(t, err, domain.KindProviderRateLimit)
		require.Equal(t, 4, f.adapter.Calls())
		require.Equal(t, 4, dispatchErr.Attempts)
		require.Equal(t, 3, dispatchErr.RetryCount())
		require.Equal(t, testProvider, dispatchErr.Provider)
		require.Equal(t, testModel, dispatchErr.Model)
	})

	t.Run("should honor a per-call retry override", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, domain.NewError(domain.KindProviderTransient, "upstream 502")
			},
		}
		f := newFixture(t, adapter)

		opts := options()
		opts.Retry = &domain.RetryPolicy{MaxRetries: 1}
		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)

		requireKind(t, err, domain.KindProviderTransient)
		require.Equal(t, 2, f.adapter.Calls())
	})

	t.Run("should not retry fatal errors", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, &domain.DispatchError{Kind: domain.KindProviderFatal, Code: "invalid_api_key", Message: "bad key"}
			},
		}
		f := newFixture(t, adapter)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())

		dispatchErr := requireKind(t, err, domain.KindProviderFatal)
		require.Equal(t, 1, f.adapter.Calls())
		require.Zero(t, dispatchErr.RetryCount())
	})

	t.Run("should treat unclassified errors as unknown and not retry them", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, errors.New("boom")
			},
		}
		f := newFixture(t, adapter)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())

		requireKind(t, err, domain.KindUnknown)
		require.Equal(t, 1, f.adapter.Calls())
	})

	t.Run("should retry codes the provider marks as retryable", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if call == 1 {
					return nil, &domain.DispatchError{Kind: domain.KindProviderFatal, Code: "engine_busy"}
				}
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter, func(c *fixtureConfig) {
			c.descriptor.RetryableCodes = []string{"engine_busy"}
		})

		resp, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)
		require.Equal(t, 1, resp.Telemetry.RetryCount)
		require.Equal(t, 2, f.adapter.Calls())
	})

	t.Run("should replace messages with the provider's configured text", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, &domain.DispatchError{Kind: domain.KindProviderFatal, Code: "invalid_api_key", Message: "raw"}
			},
		}
		f := newFixture(t, adapter, func(c *fixtureConfig) {
			c.descriptor.ErrorMessages = map[string]string{"invalid_api_key": "provider credentials are invalid"}
		})

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())

		dispatchErr := requireKind(t, err, domain.KindProviderFatal)
		require.Equal(t, "provider credentials are invalid", dispatchErr.Message)
		require.Equal(t, "invalid_api_key", dispatchErr.Code)
	})

	t.Run("should time out each attempt and retry", func(t *testing.T) {
		entered := make(chan struct{}, 8)
		f := newFixture(t, blockingAdapter(entered, nil), func(c *fixtureConfig) {
			c.descriptor.Timeout = 20 * time.Millisecond
		})

		opts := uncached()
		opts.Retry = &domain.RetryPolicy{MaxRetries: 1}
		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), opts)

		dispatchErr := requireKind(t, err, domain.KindTimeout)
		require.Equal(t, 2, dispatchErr.Attempts)
		require.Equal(t, 2, f.adapter.Calls())
		require.Zero(t, f.bulkhead.InFlight(testProvider))
	})
}

func TestDispatcher_CircuitBreaker(t *testing.T) {
	ctx := context.Background()

	failing := func(healthy *atomic.Bool) func(context.Context, *domain.AdapterRequest, int) (*domain.AdapterReply, error) {
		return func(_ context.Context, req *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
			if healthy != nil && healthy.Load() {
				return reply(req.Prompt), nil
			}
			return nil, domain.NewError(domain.KindProviderTransient, "upstream 500")
		}
	}

	trip := func(t *testing.T, f *fixture) {
		t.Helper()
		for i := 0; i < 5; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), noRetry(uncached()))
			requireKind(t, err, domain.KindProviderTransient)
		}
	}

	t.Run("should reject calls without upstream I/O once tripped", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{invokeFunc: failing(nil)})

		trip(t, f)
		require.Equal(t, 5, f.adapter.Calls())
		require.Equal(t, domain.CircuitOpen, f.breakers.State(testProvider))

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindCircuitOpen)
		require.True(t, errors.Is(err, domain.ErrCircuitOpen))
		require.Equal(t, 5, f.adapter.Calls())
		require.Zero(t, f.bulkhead.InFlight(testProvider))
	})

	t.Run("should trip when a breaching window ends with successes", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(ctx context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if call <= 3 {
					return failing(nil)(ctx, req, call)
				}
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter)

		for i := 0; i < 3; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), noRetry(uncached()))
			requireKind(t, err, domain.KindProviderTransient)
		}
		for i := 0; i < 2; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), noRetry(uncached()))
			require.NoError(t, err)
		}
		require.Equal(t, domain.CircuitOpen, f.breakers.State(testProvider))

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindCircuitOpen)
		require.Equal(t, 5, f.adapter.Calls())
	})

	t.Run("should not count fatal errors against provider health", func(t *testing.T) {
		adapter := &mockAdapter{
			invokeFunc: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
				return nil, domain.NewError(domain.KindProviderFatal, "content policy")
			},
		}
		f := newFixture(t, adapter)

		for i := 0; i < 6; i++ {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
			requireKind(t, err, domain.KindProviderFatal)
		}
		require.Equal(t, domain.CircuitClosed, f.breakers.State(testProvider))
	})

	t.Run("should admit exactly one trial call while half-open", func(t *testing.T) {
		var healthy atomic.Bool
		entered := make(chan struct{}, 8)
		release := make(chan struct{})
		adapter := &mockAdapter{
			invokeFunc: func(ctx context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if !healthy.Load() {
					return failing(nil)(ctx, req, call)
				}
				entered <- struct{}{}
				<-release
				return reply(req.Prompt), nil
			},
		}
		f := newFixture(t, adapter, func(c *fixtureConfig) {
			c.resetTimeout = 50 * time.Millisecond
		})

		trip(t, f)
		healthy.Store(true)
		require.Eventually(t, func() bool {
			return f.breakers.State(testProvider) == domain.CircuitHalfOpen
		}, time.Second, 10*time.Millisecond)

		trialDone := make(chan error, 1)
		go func() {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
			trialDone <- err
		}()
		<-entered

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindCircuitOpen)

		close(release)
		require.NoError(t, <-trialDone)
		require.Equal(t, domain.CircuitClosed, f.breakers.State(testProvider))
		require.Equal(t, 6, f.adapter.Calls())
		require.Contains(t, f.events.Types(), "circuit.state_changed")
	})

	t.Run("should reopen when the caller abandons the trial call", func(t *testing.T) {
		var healthy atomic.Bool
		entered := make(chan struct{}, 8)
		adapter := &mockAdapter{
			invokeFunc: func(ctx context.Context, req *domain.AdapterRequest, call int) (*domain.AdapterReply, error) {
				if !healthy.Load() {
					return failing(nil)(ctx, req, call)
				}
				entered <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		f := newFixture(t, adapter, func(c *fixtureConfig) {
			c.resetTimeout = 200 * time.Millisecond
		})

		trip(t, f)
		healthy.Store(true)
		require.Eventually(t, func() bool {
			return f.breakers.State(testProvider) == domain.CircuitHalfOpen
		}, time.Second, 10*time.Millisecond)

		callCtx, cancel := context.WithCancel(ctx)
		trialDone := make(chan error, 1)
		go func() {
			_, err := f.dispatcher.ExecutePrompt(callCtx, prompt(), noRetry(uncached()))
			trialDone <- err
		}()
		<-entered
		cancel()

		requireKind(t, <-trialDone, domain.KindCanceled)
		require.Equal(t, domain.CircuitOpen, f.breakers.State(testProvider))

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindCircuitOpen)
		require.Equal(t, 6, f.adapter.Calls())
	})

	t.Run("should reopen when the trial call fails", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{invokeFunc: failing(nil)}, func(c *fixtureConfig) {
			c.resetTimeout = 50 * time.Millisecond
		})

		trip(t, f)
		require.Eventually(t, func() bool {
			return f.breakers.State(testProvider) == domain.CircuitHalfOpen
		}, time.Second, 10*time.Millisecond)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), noRetry(uncached()))
		requireKind(t, err, domain.KindProviderTransient)
		require.Equal(t, domain.CircuitOpen, f.breakers.State(testProvider))
	})
}

func TestDispatcher_Bulkhead(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject calls beyond the concurrency cap", func(t *testing.T) {
		entered := make(chan struct{}, 8)
		release := make(chan struct{})
		f := newFixture(t, blockingAdapter(entered, release), func(c *fixtureConfig) {
			c.descriptor.MaxConcurrent = 1
		})

		done := make(chan error, 1)
		go func() {
			_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
			done <- err
		}()
		<-entered
		require.Equal(t, 1, f.bulkhead.InFlight(testProvider))
		require.InDelta(t, 1.0, inFlightGauge(t), 0)

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), uncached())
		requireKind(t, err, domain.KindBulkheadFull)

		close(release)
		require.NoError(t, <-done)
		require.Zero(t, f.bulkhead.InFlight(testProvider))
		require.InDelta(t, 0.0, inFlightGauge(t), 0)
		require.Equal(t, 1, f.adapter.Calls())
	})

	t.Run("should release the slot on every exit path", func(t *testing.T) {
		tests := []struct {
			name   string
			invoke func(context.Context, *domain.AdapterRequest, int) (*domain.AdapterReply, error)
			opts   domain.ExecutionOptions
		}{
			{
				name:   "success",
				invoke: nil,
				opts:   options(),
			},
			{
				name: "fatal failure",
				invoke: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
					return nil, domain.NewError(domain.KindProviderFatal, "rejected")
				},
				opts: options(),
			},
			{
				name: "retries exhausted",
				invoke: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
					return nil, domain.NewError(domain.KindProviderTransient, "flaky")
				},
				opts: uncached(),
			},
			{
				name: "panic",
				invoke: func(_ context.Context, _ *domain.AdapterRequest, _ int) (*domain.AdapterReply, error) {
					panic("adapter bug")
				},
				opts: uncached(),
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				f := newFixture(t, &mockAdapter{invokeFunc: tt.invoke})

				func() {
					defer func() { _ = recover() }()
					_, _ = f.dispatcher.ExecutePrompt(ctx, prompt(), tt.opts)
				}()

				require.Zero(t, f.bulkhead.InFlight(testProvider))
			})
		}
	})

	t.Run("should release the slot when the caller cancels", func(t *testing.T) {
		for _, bypass := range []bool{true, false} {
			entered := make(chan struct{}, 8)
			f := newFixture(t, blockingAdapter(entered, nil))

			callCtx, cancel := context.WithCancel(ctx)
			opts := options()
			opts.Cache = &domain.CachePolicy{Bypass: bypass}

			done := make(chan error, 1)
			go func() {
				_, err := f.dispatcher.ExecutePrompt(callCtx, prompt(), opts)
				done <- err
			}()
			<-entered
			cancel()

			requireKind(t, <-done, domain.KindCanceled)
			require.Eventually(t, func() bool {
				return f.bulkhead.InFlight(testProvider) == 0
			}, time.Second, 5*time.Millisecond)
			require.Equal(t, 1, f.adapter.Calls())
			require.Equal(t, 1, f.events.Count("prompt.failed"), "bypass=%v", bypass)
		}
	})
}

func TestDispatcher_GetProviderStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("should report a healthy provider", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		status, err := f.dispatcher.GetProviderStatus(ctx, testModel)
		require.NoError(t, err)
		require.Equal(t, domain.ProviderStatus{
			Provider:           testProvider,
			CircuitState:       domain.CircuitClosed,
			CircuitClosed:      true,
			RateLimitAvailable: true,
			AdapterReady:       true,
			InFlight:           0,
			MaxConcurrent:      4,
		}, status)
	})

	t.Run("should report an exhausted rate limit", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{}, func(c *fixtureConfig) {
			c.descriptor.RequestsPerMinute = 1
			c.descriptor.Burst = 1
		})

		_, err := f.dispatcher.ExecutePrompt(ctx, prompt(), options())
		require.NoError(t, err)

		status, err := f.dispatcher.GetProviderStatus(ctx, testModel)
		require.NoError(t, err)
		require.False(t, status.RateLimitAvailable)
	})

	t.Run("should fail for an unsupported model", func(t *testing.T) {
		f := newFixture(t, &mockAdapter{})

		_, err := f.dispatcher.GetProviderStatus(ctx, "not-a-real-model")
		requireKind(t, err, domain.KindUnsupportedModel)
	})
}
