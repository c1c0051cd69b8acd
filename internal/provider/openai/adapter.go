// Package openai provides an adapter for the OpenAI API using the official SDK.
// It converts between domain and SDK types and classifies SDK failures into
// dispatch errors.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const (
	providerName = "openai"

	remainingRequestsHeader = "x-ratelimit-remaining-requests"
)

// Adapter implements the domain.Adapter interface for OpenAI.
type Adapter struct {
	client openai.Client
	name   string
}

// NewAdapter creates a new OpenAI adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	if config.Organization != "" {
		opts = append(opts, option.WithOrganization(config.Organization))
	}

	return &Adapter{
		client: openai.NewClient(opts...),
		name:   providerName,
	}, nil
}

// Invoke sends a single chat completion request.
func (a *Adapter) Invoke(ctx context.Context, req *domain.AdapterRequest) (*domain.AdapterReply, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling OpenAI API")

	var httpResp *http.Response
	resp, err := a.client.Chat.Completions.New(ctx, a.toSDKParams(req), option.WithResponseInto(&httpResp))
	if err != nil {
		logger.Debug("OpenAI API call failed", observability.Error(err))
		return nil, a.classify(err)
	}

	logger.Debug("OpenAI API call succeeded",
		observability.Int("prompt_tokens", int(resp.Usage.PromptTokens)),
		observability.Int("completion_tokens", int(resp.Usage.CompletionTokens)),
	)

	return a.toReply(resp, httpResp), nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// Ready reports true; construction already requires credentials.
func (a *Adapter) Ready(_ context.Context) bool {
	return true
}

// toSDKParams converts a domain request to SDK ChatCompletionNewParams.
func (a *Adapter) toSDKParams(req *domain.AdapterRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system, ok := req.Parameters["system"].(string); ok && system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if topP, ok := req.Parameters["top_p"].(float64); ok {
		params.TopP = openai.Float(topP)
	}

	return params
}

// toReply converts an SDK response to a domain reply.
func (a *Adapter) toReply(resp *openai.ChatCompletion, httpResp *http.Response) *domain.AdapterReply {
	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &domain.AdapterReply{
		ResponseID: resp.ID,
		Model:      resp.Model,
		Content:    content,
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		RemainingQuota: remainingQuota(httpResp),
	}
}

// classify maps an SDK failure to a dispatch error.
func (a *Adapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return domain.NewProviderError(a.name, apiErr.StatusCode, apiErr.Code, apiErr.Message, err)
	}

	return &domain.DispatchError{
		Kind:     domain.KindProviderTransient,
		Provider: a.name,
		Message:  fmt.Sprintf("OpenAI API call failed: %v", err),
		Err:      err,
	}
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
