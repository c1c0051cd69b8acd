// Package echo provides a testing provider that echoes back the prompt.
// It makes no external API calls and gives deterministic replies for testing
// and development. Request parameters can inject delays and failures so the
// dispatcher's resilience paths can be exercised locally.
package echo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const (
	providerName = "echo"

	// ParamDelay delays the reply, e.g. "250ms".
	ParamDelay = "echo_delay"
	// ParamFail fails the call with the named error kind.
	ParamFail = "echo_fail"
)

// Adapter implements the domain.Adapter interface for echo testing.
type Adapter struct {
	name string
}

// NewAdapter creates a new echo adapter.
// No configuration is required as this adapter operates entirely in-memory.
func NewAdapter() *Adapter {
	return &Adapter{
		name: providerName,
	}
}

// Invoke echoes the prompt back.
func (a *Adapter) Invoke(ctx context.Context, req *domain.AdapterRequest) (*domain.AdapterReply, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("echoing request")

	if err := a.simulate(ctx, req.Parameters); err != nil {
		return nil, err
	}

	// Count tokens (simple word-based counting)
	promptTokens := countTokens(req.Prompt)
	completionTokens := promptTokens // Echo returns same size
	if req.MaxTokens > 0 && completionTokens > req.MaxTokens {
		completionTokens = req.MaxTokens
	}

	logger.Debug("echo completed",
		observability.Int("prompt_tokens", promptTokens),
		observability.Int("completion_tokens", completionTokens),
	)

	return &domain.AdapterReply{
		ResponseID: fmt.Sprintf("echo-%d", time.Now().UnixNano()),
		Model:      req.Model,
		Content:    truncateWords(req.Prompt, completionTokens),
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// Ready always reports true.
func (a *Adapter) Ready(_ context.Context) bool {
	return true
}

func (a *Adapter) simulate(ctx context.Context, params map[string]any) error {
	if raw, ok := params[ParamDelay].(string); ok {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			return domain.NewProviderError(a.name, http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("invalid %s: %q", ParamDelay, raw), err)
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	kind, ok := params[ParamFail].(string)
	if !ok || kind == "" {
		return nil
	}

	switch domain.ErrorKind(kind) {
	case domain.KindProviderTransient:
		return domain.NewProviderError(a.name, http.StatusServiceUnavailable, "", "simulated outage", nil)
	case domain.KindProviderRateLimit:
		return domain.NewProviderError(a.name, http.StatusTooManyRequests, "", "simulated throttling", nil)
	case domain.KindProviderFatal:
		return domain.NewProviderError(a.name, http.StatusBadRequest, "", "simulated rejection", nil)
	default:
		return fmt.Errorf("simulated %s failure", kind)
	}
}

// countTokens performs simple word-based token counting.
func countTokens(content string) int {
	if content == "" {
		return 0
	}
	return len(strings.Fields(content))
}

func truncateWords(content string, n int) string {
	words := strings.Fields(content)
	if n >= len(words) {
		return content
	}
	return strings.Join(words[:n], " ")
}
