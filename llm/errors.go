package llm

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a provider-neutral LLM error.
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	RetryAfter  *time.Duration
	StatusCode  int
	ProviderErr error // Original provider-specific error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeRequestTooLarge ErrorType = "request_too_large"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeProtocol        ErrorType = "protocol"
	ErrorTypeMaxRounds       ErrorType = "max_rounds"
	ErrorTypeRetryExhausted  ErrorType = "retries_exhausted"
	ErrorTypeTool            ErrorType = "tool"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ProviderErr != nil {
		return e.Message + ": " + e.ProviderErr.Error()
	}
	return e.Message
}

// Unwrap returns the underlying provider error.
func (e *Error) Unwrap() error {
	return e.ProviderErr
}

func hasType(err error, t ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == t
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error.
func IsRateLimitError(err error) bool {
	return hasType(err, ErrorTypeRateLimit)
}

// IsRequestTooLargeError checks if an error is a request too large error.
func IsRequestTooLargeError(err error) bool {
	return hasType(err, ErrorTypeRequestTooLarge)
}

// IsValidationError checks if an error was raised while building a request.
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsProtocolError checks if an error signals an unexpected upstream wire format.
func IsProtocolError(err error) bool {
	return hasType(err, ErrorTypeProtocol)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.RetryAfter
	}
	return nil
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(message string, retryAfter *time.Duration, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     message,
		Retryable:   true,
		RetryAfter:  retryAfter,
		StatusCode:  429,
		ProviderErr: providerErr,
	}
}

// NewRequestTooLargeError creates a new request too large error.
func NewRequestTooLargeError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeRequestTooLarge,
		Message:     message,
		Retryable:   false,
		StatusCode:  413,
		ProviderErr: providerErr,
	}
}

// NewProviderError creates a new provider error.
func NewProviderError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeProvider,
		Message:     message,
		Retryable:   false,
		ProviderErr: providerErr,
	}
}

// NewNetworkError creates a retryable transport-level error.
func NewNetworkError(message string, providerErr error) *Error {
	return &Error{
		Type:        ErrorTypeNetwork,
		Message:     message,
		Retryable:   true,
		ProviderErr: providerErr,
	}
}

// NewValidationError reports a malformed request. Never retried.
func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewProtocolError reports a stream chunk or payload the adapter does not understand.
func NewProtocolError(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeProtocol,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewMaxRoundsError reports a resolve cycle that kept requesting tools past its round limit.
func NewMaxRoundsError(rounds int) *Error {
	return &Error{
		Type:    ErrorTypeMaxRounds,
		Message: fmt.Sprintf("resolve cycle exceeded %d rounds", rounds),
	}
}

// NewToolError wraps a failure raised while executing a tool call.
func NewToolError(name string, err error) *Error {
	return &Error{
		Type:        ErrorTypeTool,
		Message:     fmt.Sprintf("tool %q failed", name),
		ProviderErr: err,
	}
}

// NewStatusError maps an HTTP status returned by a provider to an Error.
// 429, 408, 409 and 5xx (including Anthropic's 529 "overloaded") are retryable.
func NewStatusError(provider string, status int, message string, providerErr error) *Error {
	switch {
	case status == 429:
		return &Error{
			Type:        ErrorTypeRateLimit,
			Message:     fmt.Sprintf("%s rate limit: %s", provider, message),
			Retryable:   true,
			StatusCode:  status,
			ProviderErr: providerErr,
		}
	case status == 413:
		e := NewRequestTooLargeError(fmt.Sprintf("%s request too large: %s", provider, message), providerErr)
		return e
	case status == 408:
		return &Error{
			Type:        ErrorTypeTimeout,
			Message:     fmt.Sprintf("%s request timeout: %s", provider, message),
			Retryable:   true,
			StatusCode:  status,
			ProviderErr: providerErr,
		}
	case status == 409 || status >= 500:
		return &Error{
			Type:        ErrorTypeProvider,
			Message:     fmt.Sprintf("%s server error: %s", provider, message),
			Retryable:   true,
			StatusCode:  status,
			ProviderErr: providerErr,
		}
	case status >= 400:
		return &Error{
			Type:        ErrorTypeInvalidRequest,
			Message:     fmt.Sprintf("%s invalid request: %s", provider, message),
			Retryable:   false,
			StatusCode:  status,
			ProviderErr: providerErr,
		}
	default:
		return &Error{
			Type:        ErrorTypeProvider,
			Message:     fmt.Sprintf("%s API error: %s", provider, message),
			StatusCode:  status,
			ProviderErr: providerErr,
		}
	}
}
