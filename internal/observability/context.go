package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

// Context keys carried on every request and attached to log lines.
const (
	TraceIDKey   contextKey = "trace_id"
	SpanIDKey    contextKey = "span_id"
	RequestIDKey contextKey = "request_id"
	PromptIDKey  contextKey = "prompt_id"
	ProviderKey  contextKey = "provider"
	ModelKey     contextKey = "model"
)

const (
	traceIDBytes = 16 // W3C trace id
	spanIDBytes  = 8  // W3C span id
)

// loggedKeys are attached by FromContext in this order.
//
//nolint:gochecknoglobals // fixed lookup table
var loggedKeys = [...]contextKey{TraceIDKey, SpanIDKey, RequestIDKey, PromptIDKey, ProviderKey, ModelKey}

// WithTraceID injects the trace id into ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, TraceIDKey, traceID)
}

// WithSpanID injects the span id into ctx.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return withValue(ctx, SpanIDKey, spanID)
}

// WithRequestID injects the request id into ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, RequestIDKey, requestID)
}

// WithPromptID injects the caller's prompt id into ctx.
func WithPromptID(ctx context.Context, promptID string) context.Context {
	return withValue(ctx, PromptIDKey, promptID)
}

// WithProvider injects the serving provider into ctx.
func WithProvider(ctx context.Context, provider string) context.Context {
	return withValue(ctx, ProviderKey, provider)
}

// WithModel injects the requested model into ctx.
func WithModel(ctx context.Context, model string) context.Context {
	return withValue(ctx, ModelKey, model)
}

// Value returns the string stored under key, or "".
func Value(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// Empty values are not stored so an outer value is never masked by a blank one.
func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

// GenerateTraceID returns a 32 hex char trace id.
func GenerateTraceID() string {
	return randomHex(traceIDBytes)
}

// GenerateSpanID returns a 16 hex char span id.
func GenerateSpanID() string {
	return randomHex(spanIDBytes)
}

// GenerateRequestID returns a UUID request id.
func GenerateRequestID() string {
	return uuid.New().String()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// uuid hex is 32 chars, enough for both id sizes
		return strings.ReplaceAll(uuid.New().String(), "-", "")[:2*n]
	}
	return hex.EncodeToString(b)
}
