package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrorKind groups provider failures by how callers should react.
type ErrorKind string

const (
	ErrorTimeout     ErrorKind = "timeout"
	ErrorRateLimit   ErrorKind = "rate_limit"
	ErrorAuth        ErrorKind = "auth"
	ErrorUnavailable ErrorKind = "unavailable"
	ErrorBadRequest  ErrorKind = "bad_request"
	ErrorUnknown     ErrorKind = "unknown"
)

// APIError is a non-2xx provider response.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}

func (e *APIError) Kind() ErrorKind {
	return kindForStatus(e.StatusCode)
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorUnavailable
	case status >= 400:
		return ErrorBadRequest
	}
	return ErrorUnknown
}

// ClassifyError maps any provider error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	var anthErr *anthropic.Error
	if errors.As(err, &anthErr) {
		return kindForStatus(anthErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	return ErrorUnknown
}

// Retryable reports whether a later attempt may succeed.
func Retryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorTimeout, ErrorRateLimit, ErrorUnavailable:
		return true
	}
	return false
}

func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	lower := strings.ToLower(msg)
	switch NormalizeProviderName(providerName) {
	case ProviderOpenAI:
		if strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: provider openai expects a Platform API key (providers.openai.api_key)."
		}
	case ProviderOpenRouter:
		if strings.Contains(lower, "no endpoints found") {
			return msg + " Hint: the configured model is not served by OpenRouter; check provider.model."
		}
	}
	return msg
}
