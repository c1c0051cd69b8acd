package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const maxRequestBytes = 1 << 20

// Dispatcher is the dispatch surface the handler serves.
type Dispatcher interface {
	ExecutePrompt(ctx context.Context, prompt domain.Prompt, opts domain.ExecutionOptions) (*domain.StandardizedResponse, error)
	GetProviderStatus(ctx context.Context, model string) (domain.ProviderStatus, error)
}

// Handler handles HTTP requests.
type Handler struct {
	dispatcher Dispatcher
	registry   domain.ProviderRegistry
	validate   *validator.Validate
}

// NewHandler creates a new HTTP handler (DI constructor).
func NewHandler(dispatcher Dispatcher, registry domain.ProviderRegistry) *Handler {
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	return &Handler{
		dispatcher: dispatcher,
		registry:   registry,
		validate:   validate,
	}
}

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	Prompt  PromptBody     `json:"prompt"`
	Options ExecuteOptions `json:"options"`
}

// PromptBody is the prompt supplied by the caller.
type PromptBody struct {
	ID      string `json:"id"`
	Content string `json:"content" validate:"required"`
}

// ExecuteOptions mirrors domain.ExecutionOptions with wire-friendly durations.
type ExecuteOptions struct {
	Model       string         `json:"model"                 validate:"required"`
	MaxTokens   int            `json:"max_tokens,omitempty"  validate:"gte=0"`
	Temperature float64        `json:"temperature,omitempty" validate:"gte=0,lte=2"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Retry       *RetryOptions  `json:"retry,omitempty"`
	Cache       *CacheOptions  `json:"cache,omitempty"`
}

// RetryOptions overrides the retry policy. Unset fields keep the defaults.
type RetryOptions struct {
	MaxRetries     *int    `json:"max_retries,omitempty"      validate:"omitempty,gte=0,lte=10"`
	InitialDelayMs int64   `json:"initial_delay_ms,omitempty" validate:"gte=0"`
	BackoffFactor  float64 `json:"backoff_factor,omitempty"   validate:"omitempty,gte=1"`
	MaxDelayMs     int64   `json:"max_delay_ms,omitempty"     validate:"gte=0"`
}

// CacheOptions overrides response caching.
type CacheOptions struct {
	Bypass     bool `json:"bypass,omitempty"`
	TTLSeconds int  `json:"ttl_seconds,omitempty" validate:"gte=0"`
}

// ErrorResponse is the body returned for failed calls.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failure.
type ErrorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// toDomain converts wire options to execution options.
func (o ExecuteOptions) toDomain() domain.ExecutionOptions {
	opts := domain.ExecutionOptions{
		Model:       o.Model,
		MaxTokens:   o.MaxTokens,
		Temperature: o.Temperature,
		Parameters:  o.Parameters,
	}

	if o.Retry != nil {
		maxRetries := -1
		if o.Retry.MaxRetries != nil {
			maxRetries = *o.Retry.MaxRetries
		}
		opts.Retry = &domain.RetryPolicy{
			MaxRetries:    maxRetries,
			InitialDelay:  time.Duration(o.Retry.InitialDelayMs) * time.Millisecond,
			BackoffFactor: o.Retry.BackoffFactor,
			MaxDelay:      time.Duration(o.Retry.MaxDelayMs) * time.Millisecond,
		}
	}

	if o.Cache != nil {
		opts.Cache = &domain.CachePolicy{
			Bypass: o.Cache.Bypass,
			TTL:    time.Duration(o.Cache.TTLSeconds) * time.Second,
		}
	}

	return opts
}

// HandleExecute processes prompt execution requests.
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Early validation.
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Parse request.
	var req ExecuteRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, ErrorBody{
			Kind:    "invalid_request",
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, ErrorBody{
			Kind:    "invalid_request",
			Message: validationMessage(err),
		})
		return
	}

	// Inject model into context for downstream logging.
	ctx = observability.WithModel(ctx, req.Options.Model)
	logger := observability.FromContext(ctx)
	logger.Info("execute request received", observability.String("prompt_id", req.Prompt.ID))

	prompt := domain.Prompt{ID: req.Prompt.ID, Content: req.Prompt.Content}
	response, err := h.dispatcher.ExecutePrompt(ctx, prompt, req.Options.toDomain())
	if err != nil {
		writeDispatchError(ctx, w, err)
		return
	}

	setCacheHeaders(w, response)
	writeJSON(ctx, w, http.StatusOK, response)
}

// HandleProviderStatus reports the health of the provider serving ?model=.
func (h *Handler) HandleProviderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		writeError(ctx, w, http.StatusBadRequest, ErrorBody{Kind: "invalid_request", Message: "model query parameter is required"})
		return
	}

	status, err := h.dispatcher.GetProviderStatus(ctx, model)
	if err != nil {
		writeDispatchError(ctx, w, err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, status)
}

// HandleHealth handles health check requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	descriptors := h.registry.Descriptors(ctx)
	providers := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		providers = append(providers, d.ID)
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"providers": providers,
	})
}

// validationMessage renders the first failed rule as "<field path> <rule>".
func validationMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err.Error()
	}

	fe := validationErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "ExecuteRequest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on the %q rule", field, fe.Tag())
	}
}

func jsonFieldName(field reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

// setCacheHeaders exposes how the response was obtained.
func setCacheHeaders(w http.ResponseWriter, resp *domain.StandardizedResponse) {
	cacheStatus := "MISS"
	if resp.Telemetry.CacheHit {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Promptgate-Cache", cacheStatus)
	w.Header().Set("X-Promptgate-Provider", resp.Metadata.Provider)
	w.Header().Set("X-Promptgate-Retries", strconv.Itoa(resp.Telemetry.RetryCount))
	if resp.Telemetry.Deduplicated {
		w.Header().Set("X-Promptgate-Deduplicated", "true")
	}
}

func writeDispatchError(ctx context.Context, w http.ResponseWriter, err error) {
	body := ErrorBody{Kind: string(domain.KindOf(err)), Message: err.Error()}

	var dispatchErr *domain.DispatchError
	if errors.As(err, &dispatchErr) {
		body.Message = dispatchErr.Message
		body.Provider = dispatchErr.Provider
		body.Model = dispatchErr.Model
		body.RetryCount = dispatchErr.RetryCount()
	}

	observability.FromContext(ctx).Warn("request failed",
		observability.String("kind", body.Kind),
		observability.Error(err))

	writeError(ctx, w, domain.HTTPStatus(err), body)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(ctx, w, status, ErrorResponse{Error: body})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Already written status, can't change it, just log.
		observability.FromContext(ctx).Error("failed to encode response", observability.Error(err))
	}
}
