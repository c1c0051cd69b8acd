package cache

import (
	"encoding/json"
	"fmt"

	"github.com/davidbz/promptgate/internal/domain"
)

// Encode serializes a response for storage.
func Encode(resp *domain.StandardizedResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cached response: %w", err)
	}
	return data, nil
}

// Decode restores a stored response. Every call yields a fresh value.
func Decode(data []byte) (*domain.StandardizedResponse, error) {
	var resp domain.StandardizedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	return &resp, nil
}
