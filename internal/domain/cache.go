package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss indicates no live cached entry was found.
var ErrCacheMiss = errors.New("cache miss")

// ResponseCache stores standardized responses by fingerprint.
type ResponseCache interface {
	// Get returns the cached response or ErrCacheMiss.
	Get(ctx context.Context, key string) (*StandardizedResponse, error)

	// Put stores a response until ttl elapses.
	Put(ctx context.Context, key string, resp *StandardizedResponse, ttl time.Duration) error
}
