// Package google provides an adapter for the Gemini API via the genai SDK.
package google

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/davidbz/promptgate/internal/domain"
	"github.com/davidbz/promptgate/internal/observability"
)

const providerName = "google"

// Adapter implements the domain.Adapter interface for Google Gemini.
type Adapter struct {
	client *genai.Client
	name   string
}

// NewAdapter creates a new Google adapter.
func NewAdapter(ctx context.Context, config Config) (*Adapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("Google API key is required")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Adapter{
		client: client,
		name:   providerName,
	}, nil
}

// Invoke sends a single GenerateContent request.
func (a *Adapter) Invoke(ctx context.Context, req *domain.AdapterRequest) (*domain.AdapterReply, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}

	logger := observability.FromContext(ctx)
	logger.Debug("calling Gemini API")

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), buildConfig(req))
	if err != nil {
		logger.Debug("Gemini API call failed", observability.Error(err))
		return nil, a.classify(err)
	}

	reply := &domain.AdapterReply{
		ResponseID: resp.ResponseID,
		Model:      resp.ModelVersion,
		Content:    resp.Text(),
	}
	if resp.UsageMetadata != nil {
		reply.Usage = domain.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return reply, nil
}

// Name returns the provider identifier.
func (a *Adapter) Name() string {
	return a.name
}

// Ready reports true; construction already requires credentials.
func (a *Adapter) Ready(_ context.Context) bool {
	return true
}

func buildConfig(req *domain.AdapterRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // bounded by request validation
	}
	if system, ok := req.Parameters["system"].(string); ok && system != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	return cfg
}

// classify maps an SDK failure to a dispatch error.
func (a *Adapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return domain.NewProviderError(a.name, apiErr.Code, apiErr.Status, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return domain.NewProviderError(a.name, apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message, err)
	}

	return &domain.DispatchError{
		Kind:     domain.KindProviderTransient,
		Provider: a.name,
		Message:  fmt.Sprintf("Gemini API call failed: %v", err),
		Err:      err,
	}
}
