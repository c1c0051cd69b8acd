package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const fingerprintPrefix = "promptgate:"

type fingerprintInput struct {
	PromptID    string         `json:"prompt_id"`
	Content     string         `json:"content"`
	Model       string         `json:"model"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature float64        `json:"temperature"`
	Parameters  map[string]any `json:"parameters"`
}

// Fingerprint derives the cache key of a prompt execution.
// Map keys are encoded in sorted order, so equal parameter bags hash equally.
func Fingerprint(prompt Prompt, opts ExecutionOptions) (string, error) {
	data, err := json.Marshal(fingerprintInput{
		PromptID:    prompt.ID,
		Content:     prompt.Content,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
		Parameters:  opts.Parameters,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode fingerprint input: %w", err)
	}

	hash := sha256.Sum256(data)
	return fingerprintPrefix + hex.EncodeToString(hash[:]), nil
}
