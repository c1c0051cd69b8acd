package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies every failure the dispatcher can return.
type ErrorKind string

const (
	KindUnsupportedModel  ErrorKind = "unsupported_model"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindBulkheadFull      ErrorKind = "bulkhead_full"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderRateLimit ErrorKind = "provider_rate_limit"
	KindTimeout           ErrorKind = "timeout"
	KindProviderFatal     ErrorKind = "provider_fatal"
	KindCanceled          ErrorKind = "canceled"
	KindUnknown           ErrorKind = "unknown"
)

// Retryable reports whether the retry executor may try again after this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindProviderTransient, KindProviderRateLimit, KindTimeout:
		return true
	default:
		return false
	}
}

// Unhealthy reports whether an attempt ending with this kind counts as a
// provider failure for circuit breaking.
func (k ErrorKind) Unhealthy() bool {
	switch k {
	case KindProviderTransient, KindProviderRateLimit, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// DispatchError is the classified error returned by the dispatcher and adapters.
type DispatchError struct {
	Kind       ErrorKind
	Provider   string
	Model      string
	Code       string // provider error code, if any
	StatusCode int    // upstream HTTP status, if any
	Attempts   int
	Message    string
	Err        error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrUnsupportedModel  = &DispatchError{Kind: KindUnsupportedModel, Message: "unsupported model"}
	ErrRateLimitExceeded = &DispatchError{Kind: KindRateLimitExceeded, Message: "rate limit exceeded"}
	ErrBulkheadFull      = &DispatchError{Kind: KindBulkheadFull, Message: "bulkhead full"}
	ErrCircuitOpen       = &DispatchError{Kind: KindCircuitOpen, Message: "circuit open"}
	ErrProviderTransient = &DispatchError{Kind: KindProviderTransient, Message: "provider transient failure"}
	ErrProviderRateLimit = &DispatchError{Kind: KindProviderRateLimit, Message: "provider rate limited"}
	ErrTimeout           = &DispatchError{Kind: KindTimeout, Message: "timeout"}
	ErrProviderFatal     = &DispatchError{Kind: KindProviderFatal, Message: "provider fatal failure"}
	ErrCanceled          = &DispatchError{Kind: KindCanceled, Message: "canceled"}
	ErrUnknown           = &DispatchError{Kind: KindUnknown, Message: "unknown failure"}
)

// NewError creates a classified error.
func NewError(kind ErrorKind, message string) *DispatchError {
	return &DispatchError{Kind: kind, Message: message}
}

// WrapError creates a classified error around a cause.
func WrapError(kind ErrorKind, message string, err error) *DispatchError {
	return &DispatchError{Kind: kind, Message: message, Err: err}
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " [provider=%s]", e.Provider)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " (attempts=%d)", e.Attempts)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements errors.Unwrap.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is matches any DispatchError of the same kind.
func (e *DispatchError) Is(target error) bool {
	t, ok := target.(*DispatchError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the error may be retried.
func (e *DispatchError) Retryable() bool {
	return e.Kind.Retryable()
}

// RetryCount is the number of retries consumed before the error surfaced.
func (e *DispatchError) RetryCount() int {
	if e.Attempts <= 1 {
		return 0
	}
	return e.Attempts - 1
}

// KindOf extracts the error kind, classifying bare context errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is classified as retryable.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// ClassifyStatus maps an upstream HTTP status to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindProviderRateLimit
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= http.StatusInternalServerError:
		return KindProviderTransient
	case status >= http.StatusBadRequest:
		return KindProviderFatal
	default:
		return KindUnknown
	}
}

// ClassifyCode maps a provider-reported error code to an error kind.
func ClassifyCode(code string) (ErrorKind, bool) {
	switch strings.ToLower(code) {
	case "server_error", "service_unavailable", "overloaded_error", "api_error", "internal_error", "unavailable":
		return KindProviderTransient, true
	case "rate_limit_exceeded", "rate_limit_error", "resource_exhausted":
		return KindProviderRateLimit, true
	case "invalid_api_key", "authentication_error", "invalid_request_error", "permission_error",
		"content_policy_violation", "content_filter", "not_found_error", "invalid_argument":
		return KindProviderFatal, true
	default:
		return "", false
	}
}

// NewProviderError builds a classified error from an upstream failure.
// A known provider code wins over the HTTP status.
func NewProviderError(provider string, status int, code, message string, err error) *DispatchError {
	kind, ok := ClassifyCode(code)
	if !ok {
		kind = ClassifyStatus(status)
	}
	return &DispatchError{
		Kind:       kind,
		Provider:   provider,
		Code:       code,
		StatusCode: status,
		Message:    message,
		Err:        err,
	}
}

// HTTPStatus maps an error to the status code the service boundary returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnsupportedModel:
		return http.StatusBadRequest
	case KindRateLimitExceeded, KindProviderRateLimit:
		return http.StatusTooManyRequests
	case KindBulkheadFull, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindProviderTransient, KindProviderFatal:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
