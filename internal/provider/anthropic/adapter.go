// Package anthropic provides an adapter for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const (
	providerName = "anthropic"

	remainingRequestsHeader = "anthropic-ratelimit-requests-remaining"
	defaultMaxTokens        = 1024
)

// Adapter implements the domain.Adapter interface for Anthropic.
type Adapter struct {
	client    anthropicsdk.Client
	name      string
	maxTokens int64
}

// NewAdapter creates a new Anthropic adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	maxTokens := int64(config.DefaultMaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Adapter{
		client:    anthropicsdk.NewClient(opts...),
		name:      providerName,
		maxTokens: maxTokens,
	}, nil
}

// Invoke sends a single Messages API request.
func (a *Adapter) Invoke(ctx context.Context, req *domain.AdapterRequest) (*domain.AdapterReply, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Anthropic API")

	var httpResp *http.Response
	msg, err := a.client.Messages.New(ctx, a.buildParams(req), option.WithResponseInto(&httpResp))
	if err != nil {
		logger.Debug("Anthropic API call failed", observability.Error(err))
		return nil, a.classify(err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	promptTokens := int(msg.Usage.InputTokens)
	completionTokens := int(msg.Usage.OutputTokens)

	return &domain.AdapterReply{
		ResponseID: msg.ID,
		Model:      string(msg.Model),
		Content:    content.String(),
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		RemainingQuota: remainingQuota(httpResp),
	}, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// Ready reports true; construction already requires credentials.
func (a *Adapter) Ready(_ context.Context) bool {
	return true
}

func (a *Adapter) buildParams(req *domain.AdapterRequest) anthropicsdk.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
	}

	if system, ok := req.Parameters["system"].(string); ok && system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropicsdk.Float(req.Temperature)
	}

	return params
}

// classify maps an SDK failure to a dispatch error.
func (a *Adapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		code, message := errorDetails(apiErr.RawJSON())
		return domain.NewProviderError(a.name, apiErr.StatusCode, code, message, err)
	}

	return &domain.DispatchError{
		Kind:     domain.KindProviderTransient,
		Provider: a.name,
		Message:  fmt.Sprintf("Anthropic API call failed: %v", err),
		Err:      err,
	}
}

// errorDetails extracts the error type and message from an Anthropic error body.
func errorDetails(raw string) (string, string) {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return "", ""
	}
	return body.Error.Type, body.Error.Message
}

func remainingQuota(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	remaining, err := strconv.Atoi(resp.Header.Get(remainingRequestsHeader))
	if err != nil {
		return 0
	}
	return remaining
}
