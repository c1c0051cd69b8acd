package domain

import "time"

// Prompt is the prompt value object supplied by the prompt service.
type Prompt struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// ExecutionOptions carries the caller's per-call execution settings.
type ExecutionOptions struct {
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Retry       *RetryPolicy   `json:"retry,omitempty"`
	Cache       *CachePolicy   `json:"cache,omitempty"`
}

// RetryPolicy controls the retry executor.
// MaxRetries counts retries after the first attempt, so 0 disables retrying.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"              env:"RETRY_MAX_RETRIES"    envDefault:"3"`
	InitialDelay  time.Duration `json:"initial_delay,omitempty"  env:"RETRY_INITIAL_DELAY"  envDefault:"200ms"`
	BackoffFactor float64       `json:"backoff_factor,omitempty" env:"RETRY_BACKOFF_FACTOR" envDefault:"2"`
	MaxDelay      time.Duration `json:"max_delay,omitempty"      env:"RETRY_MAX_DELAY"      envDefault:"10s"`
}

// CachePolicy overrides response caching for a single call.
type CachePolicy struct {
	Bypass bool          `json:"bypass,omitempty"`
	TTL    time.Duration `json:"ttl,omitempty"`
}

// ProviderDescriptor is the immutable catalog entry of a provider.
type ProviderDescriptor struct {
	ID                string            `yaml:"id"`
	Models            []string          `yaml:"models"`
	BaseURL           string            `yaml:"base_url"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	Burst             int               `yaml:"burst"`
	MaxConcurrent     int               `yaml:"max_concurrent"`
	Timeout           time.Duration     `yaml:"timeout"`
	RetryableCodes    []string          `yaml:"retryable_codes"`
	ErrorMessages     map[string]string `yaml:"error_messages"`

	// Pricing is keyed by model; models without an entry cost nothing.
	Pricing map[string]PricingConfig `yaml:"pricing"`
}

// SupportsModel reports whether the descriptor lists the model.
func (d ProviderDescriptor) SupportsModel(model string) bool {
	for _, m := range d.Models {
		if m == model {
			return true
		}
	}
	return false
}

// IsRetryableCode reports whether the provider marks an error code as retryable.
func (d ProviderDescriptor) IsRetryableCode(code string) bool {
	if code == "" {
		return false
	}
	for _, c := range d.RetryableCodes {
		if c == code {
			return true
		}
	}
	return false
}

// AdapterRequest is the provider-agnostic request handed to an adapter.
type AdapterRequest struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Parameters  map[string]any
}

// AdapterReply is the normalized reply of a single provider call.
type AdapterReply struct {
	ResponseID     string
	Model          string
	Content        string
	Usage          Usage
	RemainingQuota int
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StandardizedResponse is the provider-agnostic result returned to callers.
type StandardizedResponse struct {
	Content         string           `json:"content"`
	TokenCount      int              `json:"token_count"`
	Usage           Usage            `json:"usage"`
	Latency         time.Duration    `json:"latency_ns"`
	Metadata        ResponseMetadata `json:"metadata"`
	Telemetry       Telemetry        `json:"telemetry"`
	ProviderMetrics ProviderMetrics  `json:"provider_metrics"`
}

// ResponseMetadata identifies where a response came from.
type ResponseMetadata struct {
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	ResponseID string    `json:"response_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Telemetry describes how a response was obtained.
type Telemetry struct {
	Success      bool `json:"success"`
	RetryCount   int  `json:"retry_count"`
	CacheHit     bool `json:"cache_hit"`
	Deduplicated bool `json:"deduplicated,omitempty"`
}

// ProviderMetrics are best-effort provider figures, zero when unknown.
type ProviderMetrics struct {
	RemainingQuota int     `json:"remaining_quota"`
	CostEstimate   float64 `json:"cost_estimate"`
}

// CircuitState is the externally visible state of a provider's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderStatus is the health snapshot surfaced for a model's provider.
type ProviderStatus struct {
	Provider           string       `json:"provider"`
	CircuitState       CircuitState `json:"circuit_state"`
	CircuitClosed      bool         `json:"circuit_closed"`
	RateLimitAvailable bool         `json:"rate_limit_available"`
	AdapterReady       bool         `json:"adapter_ready"`
	InFlight           int          `json:"in_flight"`
	MaxConcurrent      int          `json:"max_concurrent"`
}
