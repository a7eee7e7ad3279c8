// Package gatewayerrors classifies gateway provider failures so the retry
// wrapper can tell a rate limit from a bad prompt.
package gatewayerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type categorizes a gateway error for retry purposes.
type Type int8

const (
	// TypeRateLimit covers 429s and quota exhaustion.
	TypeRateLimit Type = iota
	// TypeTransient covers 5xx, EOF, connection resets, and timeouts.
	TypeTransient
	// TypeEmptyResponse covers HTTP 200 with no content.
	TypeEmptyResponse
	// TypeAuth covers 401/403 and bad API keys. Never retried.
	TypeAuth
	// TypeBadPrompt covers malformed or rejected requests. Never retried.
	TypeBadPrompt
	// TypeUnknown is the default for unclassified errors.
	TypeUnknown
)

// String returns the label used in logs and metrics.
func (t Type) String() string {
	switch t {
	case TypeRateLimit:
		return "rate_limit"
	case TypeTransient:
		return "transient"
	case TypeEmptyResponse:
		return "empty_response"
	case TypeAuth:
		return "auth"
	case TypeBadPrompt:
		return "bad_prompt"
	case TypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Err        error
	Message    string
	Type       Type
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("gateway error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("gateway error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call is worth repeating. Blocklist
// approach: everything retries unless the failure is deterministic.
func (e *Error) Retryable() bool {
	switch e.Type {
	case TypeAuth, TypeBadPrompt:
		return false
	default:
		return true
	}
}

// New creates a classified error with a message.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Wrap creates a classified error around a cause.
func Wrap(t Type, cause error, message string) *Error {
	return &Error{Type: t, Err: cause, Message: message}
}

// WithStatus creates a classified error carrying an HTTP status.
func WithStatus(t Type, statusCode int, message string) *Error {
	return &Error{Type: t, StatusCode: statusCode, Message: message}
}

// Is reports whether err is a gateway error of the given type.
func Is(err error, t Type) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Type == t
	}
	return false
}

// TypeOf returns the classified type, or TypeUnknown for foreign errors.
func TypeOf(err error) Type {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Type
	}
	return TypeUnknown
}

// Retryable reports whether an arbitrary error should be retried.
// Unclassified errors retry once under the unknown policy.
func Retryable(err error) bool {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Retryable()
	}
	return true
}

// Classify maps a raw provider error onto a type. Providers that surface
// structured status codes classify before falling through to here; the
// string heuristics cover SDKs that only return flattened messages.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(TypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(TypeTransient, err, "request canceled")
	}

	switch code := statusCodeOf(err.Error()); code {
	case 401, 403:
		return WithStatus(TypeAuth, code, "authentication failed")
	case 429:
		return WithStatus(TypeRateLimit, code, "rate limit exceeded")
	case 400:
		return WithStatus(TypeBadPrompt, code, "bad request")
	case 500, 502, 503, 504:
		return WithStatus(TypeTransient, code, "server error")
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return Wrap(TypeTransient, err, "network error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return Wrap(TypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return Wrap(TypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "too large"):
		return Wrap(TypeBadPrompt, err, "request rejected")
	default:
		return Wrap(TypeUnknown, err, "unclassified error")
	}
}

// statusCodeOf pulls an HTTP status out of a flattened error message.
func statusCodeOf(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range []string{"status code: ", "status: ", "http "} {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		for _, code := range []struct {
			text string
			val  int
		}{
			{"400", 400}, {"401", 401}, {"403", 403}, {"429", 429},
			{"500", 500}, {"502", 502}, {"503", 503}, {"504", 504},
		} {
			if strings.HasPrefix(lower[start:], code.text) {
				return code.val
			}
		}
	}
	return 0
}
