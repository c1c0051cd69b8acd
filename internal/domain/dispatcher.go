package domain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/davidbz/promptgate/internal/observability"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultCacheTTL    = 5 * time.Minute
)

// DispatcherConfig holds dispatcher-wide defaults.
type DispatcherConfig struct {
	CallTimeout time.Duration `env:"DISPATCH_CALL_TIMEOUT" envDefault:"30s"` // per-attempt deadline when the descriptor sets none
	CacheTTL    time.Duration `env:"CACHE_TTL"             envDefault:"5m"`  // response cache TTL when the caller sets none
}

// Dispatcher executes prompts against providers behind rate limiting,
// bulkheading, circuit breaking, retries and response caching.
type Dispatcher struct {
	registry       ProviderRegistry
	limiter        RateLimiter
	breaker        CircuitBreaker
	bulkhead       Bulkhead
	cache          ResponseCache
	retry          *RetryExecutor
	costCalculator CostCalculator
	events         EventPublisher

	inflight    singleflight.Group
	callTimeout time.Duration
	cacheTTL    time.Duration
}

// dispatchCall carries the inputs of one ExecutePrompt call.
type dispatchCall struct {
	prompt     Prompt
	opts       ExecutionOptions
	descriptor ProviderDescriptor
	cacheKey   string
	start      time.Time

	// settled is set once the call's outcome has been recorded. An abandoned
	// singleflight leader reaches failure twice: once from its caller and
	// once from the shared execution.
	settled atomic.Bool
}

func (c *dispatchCall) settle() bool {
	return c.settled.CompareAndSwap(false, true)
}

// NewDispatcher creates a dispatcher (DI constructor). cache, costCalculator
// and events may be nil.
func NewDispatcher(
	config *DispatcherConfig,
	registry ProviderRegistry,
	limiter RateLimiter,
	breaker CircuitBreaker,
	bulkhead Bulkhead,
	cache ResponseCache,
	retry *RetryExecutor,
	costCalculator CostCalculator,
	events EventPublisher,
) *Dispatcher {
	var cfg DispatcherConfig
	if config != nil {
		cfg = *config
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if retry == nil {
		retry = NewRetryExecutor(DefaultRetryPolicy())
	}

	return &Dispatcher{
		registry:       registry,
		limiter:        limiter,
		breaker:        breaker,
		bulkhead:       bulkhead,
		cache:          cache,
		retry:          retry,
		costCalculator: costCalculator,
		events:         events,
		callTimeout:    cfg.CallTimeout,
		cacheTTL:       cfg.CacheTTL,
	}
}

// ExecutePrompt runs a prompt against the provider serving opts.Model.
func (d *Dispatcher) ExecutePrompt(
	ctx context.Context,
	prompt Prompt,
	opts ExecutionOptions,
) (*StandardizedResponse, error) {
	call := &dispatchCall{prompt: prompt, opts: opts, start: time.Now()}
	ctx = observability.WithPromptID(ctx, prompt.ID)

	if opts.Model == "" {
		return nil, d.failure(ctx, call, 0, NewError(KindUnsupportedModel, "model cannot be empty"))
	}
	ctx = observability.WithModel(ctx, opts.Model)

	descriptor, err := d.registry.ResolveProvider(ctx, opts.Model)
	if err != nil {
		return nil, d.failure(ctx, call, 0, err)
	}
	call.descriptor = descriptor
	ctx = observability.WithProvider(ctx, descriptor.ID)
	logger := observability.FromContext(ctx)

	if d.cache == nil || (opts.Cache != nil && opts.Cache.Bypass) {
		logger.Debug("response cache bypassed")
		return d.dispatch(ctx, call)
	}

	key, err := Fingerprint(prompt, opts)
	if err != nil {
		logger.Warn("failed to fingerprint request, continuing without cache", observability.Error(err))
		return d.dispatch(ctx, call)
	}
	call.cacheKey = key

	if cached := d.lookup(ctx, key); cached != nil {
		return cached, nil
	}

	return d.dispatchOnce(ctx, call)
}

// GetProviderStatus reports the health of the provider serving a model.
func (d *Dispatcher) GetProviderStatus(ctx context.Context, model string) (ProviderStatus, error) {
	descriptor, err := d.registry.ResolveProvider(ctx, model)
	if err != nil {
		return ProviderStatus{}, err
	}

	state := d.breaker.State(descriptor.ID)

	ready := false
	if adapter, adapterErr := d.registry.Adapter(ctx, descriptor.ID); adapterErr == nil {
		ready = adapter.Ready(ctx)
	}

	return ProviderStatus{
		Provider:           descriptor.ID,
		CircuitState:       state,
		CircuitClosed:      state == CircuitClosed,
		RateLimitAvailable: d.limiter.Available(descriptor.ID),
		AdapterReady:       ready,
		InFlight:           d.bulkhead.InFlight(descriptor.ID),
		MaxConcurrent:      d.bulkhead.Capacity(descriptor.ID),
	}, nil
}

// dispatchOnce collapses concurrent cache misses on the same key into one
// upstream execution.
func (d *Dispatcher) dispatchOnce(ctx context.Context, call *dispatchCall) (*StandardizedResponse, error) {
	leader := false
	results := d.inflight.DoChan(call.cacheKey, func() (interface{}, error) {
		leader = true
		return d.dispatch(ctx, call)
	})

	select {
	case <-ctx.Done():
		return nil, d.failure(ctx, call, 0, WrapError(KindOf(ctx.Err()), "request abandoned by caller", ctx.Err()))
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}

		resp, ok := res.Val.(*StandardizedResponse)
		if !ok || resp == nil {
			return nil, d.failure(ctx, call, 0, NewError(KindUnknown, "empty dispatch result"))
		}

		out := *resp
		if !leader {
			out.Telemetry.Deduplicated = true
		}
		return &out, nil
	}
}

// dispatch performs admission, bulkheading and the retried provider call.
func (d *Dispatcher) dispatch(ctx context.Context, call *dispatchCall) (*StandardizedResponse, error) {
	providerID := call.descriptor.ID

	if !d.limiter.TryAcquire(providerID) {
		return nil, d.failure(ctx, call, 0, NewError(KindRateLimitExceeded, "local request rate exhausted"))
	}

	release, err := d.bulkhead.Acquire(providerID)
	if err != nil {
		return nil, d.failure(ctx, call, 0, err)
	}
	inFlight := observability.BulkheadInFlight.WithLabelValues(providerID)
	inFlight.Set(float64(d.bulkhead.InFlight(providerID)))
	defer func() {
		release()
		inFlight.Set(float64(d.bulkhead.InFlight(providerID)))
	}()

	adapter, err := d.registry.Adapter(ctx, providerID)
	if err != nil {
		return nil, d.failure(ctx, call, 0, WrapError(KindUnknown, "adapter unavailable", err))
	}

	req := &AdapterRequest{
		Model:       call.opts.Model,
		Prompt:      call.prompt.Content,
		MaxTokens:   call.opts.MaxTokens,
		Temperature: call.opts.Temperature,
		Parameters:  call.opts.Parameters,
	}

	var reply *AdapterReply
	attempts, err := d.retry.Execute(ctx, call.opts.Retry, func(ctx context.Context, _ int) error {
		r, attemptErr := d.attempt(ctx, call.descriptor, adapter, req)
		if attemptErr != nil {
			return attemptErr
		}
		reply = r
		return nil
	})
	if attempts > 1 {
		observability.RetriesTotal.WithLabelValues(providerID).Add(float64(attempts - 1))
	}
	if err != nil {
		return nil, d.failure(ctx, call, attempts, err)
	}

	resp := d.standardize(ctx, call, reply, attempts)
	d.store(ctx, call, resp)
	d.success(ctx, call, resp)

	return resp, nil
}

// attempt performs one circuit-breaker-guarded provider call under its own deadline.
func (d *Dispatcher) attempt(
	ctx context.Context,
	descriptor ProviderDescriptor,
	adapter Adapter,
	req *AdapterRequest,
) (*AdapterReply, error) {
	done, err := d.breaker.Allow(descriptor.ID)
	if err != nil {
		return nil, err
	}

	// A half-open trial abandoned by its caller proves nothing about the
	// provider and must not close the circuit.
	trial := d.breaker.State(descriptor.ID) == CircuitHalfOpen

	healthy := false
	defer func() { done(healthy) }()

	timeout := descriptor.Timeout
	if timeout <= 0 {
		timeout = d.callTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := adapter.Invoke(attemptCtx, req)
	if err != nil {
		classified := d.classify(ctx, attemptCtx, descriptor, timeout, err)
		kind := KindOf(classified)
		healthy = !kind.Unhealthy() && !(trial && kind == KindCanceled)
		return nil, classified
	}
	if reply == nil {
		return nil, &DispatchError{Kind: KindUnknown, Provider: descriptor.ID, Message: "adapter returned no reply"}
	}

	healthy = true
	return reply, nil
}

// classify standardizes an adapter failure against the provider's descriptor.
func (d *Dispatcher) classify(
	parent context.Context,
	attemptCtx context.Context,
	descriptor ProviderDescriptor,
	timeout time.Duration,
	err error,
) error {
	if parentErr := parent.Err(); parentErr != nil {
		return &DispatchError{
			Kind:     KindOf(parentErr),
			Provider: descriptor.ID,
			Message:  "request abandoned by caller",
			Err:      err,
		}
	}

	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &DispatchError{
			Kind:     KindTimeout,
			Provider: descriptor.ID,
			Message:  fmt.Sprintf("provider call exceeded %s", timeout),
			Err:      err,
		}
	}

	var adapterErr *DispatchError
	if !errors.As(err, &adapterErr) {
		return &DispatchError{
			Kind:     KindUnknown,
			Provider: descriptor.ID,
			Message:  "unclassified provider failure",
			Err:      err,
		}
	}

	classified := *adapterErr
	classified.Provider = descriptor.ID
	if !classified.Kind.Retryable() && descriptor.IsRetryableCode(classified.Code) {
		classified.Kind = KindProviderTransient
	}
	if msg, ok := descriptor.ErrorMessages[classified.Code]; ok && msg != "" {
		classified.Message = msg
	}
	return &classified
}

func (d *Dispatcher) standardize(
	ctx context.Context,
	call *dispatchCall,
	reply *AdapterReply,
	attempts int,
) *StandardizedResponse {
	tokens := reply.Usage.TotalTokens
	if tokens == 0 {
		tokens = reply.Usage.PromptTokens + reply.Usage.CompletionTokens
	}

	var cost float64
	if d.costCalculator != nil {
		// Unknown pricing yields zero, never an estimate from unrelated fields.
		cost, _ = d.costCalculator.Calculate(ctx, call.opts.Model, reply.Usage)
	}

	model := reply.Model
	if model == "" {
		model = call.opts.Model
	}

	now := time.Now()
	return &StandardizedResponse{
		Content:    reply.Content,
		TokenCount: tokens,
		Usage:      reply.Usage,
		Latency:    now.Sub(call.start),
		Metadata: ResponseMetadata{
			Model:      model,
			Provider:   call.descriptor.ID,
			ResponseID: reply.ResponseID,
			Timestamp:  now,
		},
		Telemetry: Telemetry{
			Success:    true,
			RetryCount: attempts - 1,
			CacheHit:   false,
		},
		ProviderMetrics: ProviderMetrics{
			RemainingQuota: reply.RemainingQuota,
			CostEstimate:   cost,
		},
	}
}

func (d *Dispatcher) lookup(ctx context.Context, key string) *StandardizedResponse {
	logger := observability.FromContext(ctx)

	cached, err := d.cache.Get(ctx, key)
	switch {
	case err == nil && cached != nil:
		observability.CacheLookups.WithLabelValues("hit").Inc()
		logger.Info("cache HIT - returning cached response",
			observability.String("cache_key", key))
		out := *cached
		out.Telemetry.CacheHit = true
		return &out
	case err == nil || errors.Is(err, ErrCacheMiss):
		observability.CacheLookups.WithLabelValues("miss").Inc()
		logger.Debug("cache MISS - calling provider")
	default:
		observability.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn("cache get failed, continuing without cache", observability.Error(err))
	}
	return nil
}

func (d *Dispatcher) store(ctx context.Context, call *dispatchCall, resp *StandardizedResponse) {
	if call.cacheKey == "" || d.cache == nil {
		return
	}

	ttl := d.cacheTTL
	if call.opts.Cache != nil && call.opts.Cache.TTL > 0 {
		ttl = call.opts.Cache.TTL
	}

	if err := d.cache.Put(ctx, call.cacheKey, resp, ttl); err != nil {
		observability.FromContext(ctx).Warn("failed to store in cache", observability.Error(err))
	}
}

func (d *Dispatcher) success(ctx context.Context, call *dispatchCall, resp *StandardizedResponse) {
	if !call.settle() {
		return
	}

	providerID := call.descriptor.ID
	observability.DispatchTotal.WithLabelValues(providerID, "success").Inc()
	observability.DispatchDuration.WithLabelValues(providerID).Observe(resp.Latency.Seconds())

	observability.FromContext(ctx).Info("prompt executed",
		observability.Int("tokens", resp.TokenCount),
		observability.Int("retry_count", resp.Telemetry.RetryCount),
		observability.Float64("cost", resp.ProviderMetrics.CostEstimate),
		observability.Duration("latency", resp.Latency))

	if d.events != nil {
		d.events.Publish(ctx, "prompt.executed", map[string]interface{}{
			"prompt_id":   call.prompt.ID,
			"provider":    providerID,
			"model":       resp.Metadata.Model,
			"tokens":      resp.TokenCount,
			"retry_count": resp.Telemetry.RetryCount,
			"cost":        resp.ProviderMetrics.CostEstimate,
			"latency_ms":  resp.Latency.Milliseconds(),
		})
	}
}

// failure annotates err with call context, records it, and returns it as a *DispatchError.
func (d *Dispatcher) failure(ctx context.Context, call *dispatchCall, attempts int, err error) error {
	var annotated *DispatchError
	var source *DispatchError
	if errors.As(err, &source) {
		copied := *source
		annotated = &copied
	} else {
		annotated = WrapError(KindOf(err), "dispatch failed", err)
	}

	if annotated.Provider == "" {
		annotated.Provider = call.descriptor.ID
	}
	annotated.Model = call.opts.Model
	if attempts > 0 {
		annotated.Attempts = attempts
	}

	if !call.settle() {
		return annotated
	}

	providerID := annotated.Provider
	if providerID == "" {
		providerID = "none"
	}
	observability.DispatchTotal.WithLabelValues(providerID, string(annotated.Kind)).Inc()

	observability.FromContext(ctx).Warn("prompt execution failed",
		observability.String("kind", string(annotated.Kind)),
		observability.Int("attempts", annotated.Attempts),
		observability.Error(annotated))

	if d.events != nil {
		d.events.Publish(ctx, "prompt.failed", map[string]interface{}{
			"prompt_id": call.prompt.ID,
			"provider":  annotated.Provider,
			"model":     annotated.Model,
			"kind":      string(annotated.Kind),
			"attempts":  annotated.Attempts,
		})
	}

	return annotated
}
