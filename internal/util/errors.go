// Package util provides shared context plumbing, error types and HTTP
// helpers for the gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., BackendError). Each type implements
//     Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
package util

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTimeout        = errors.New("timeout")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrBackendUnavail = errors.New("backend unavailable")
	ErrConfigInvalid  = errors.New("invalid configuration")
)

// RouteNotFoundError represents a route not found error.
type RouteNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Path: path, Method: method}
}

// BackendError represents a backend transport error.
type BackendError struct {
	Backend string
	Target  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("backend %s error: %s: %v", e.Backend, e.Message, e.Cause)
	}
	return fmt.Sprintf("backend %s error: %s", e.Backend, e.Message)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *BackendError) Is(target error) bool {
	_, ok := target.(*BackendError)
	return ok || errors.Is(e.Cause, target)
}

// NewBackendError creates a new BackendError.
func NewBackendError(backend, target, message string, cause error) *BackendError {
	return &BackendError{Backend: backend, Target: target, Message: message, Cause: cause}
}

// TimeoutError represents an upstream timeout.
type TimeoutError struct {
	Target  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream timeout for %s: %s: %v", e.Target, e.Message, e.Cause)
	}
	return fmt.Sprintf("upstream timeout for %s: %s", e.Target, e.Message)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	_, ok := target.(*TimeoutError)
	return ok || errors.Is(e.Cause, target)
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(target, message string, cause error) *TimeoutError {
	return &TimeoutError{Target: target, Message: message, Cause: cause}
}

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// IsClientError returns true if the error maps to a 4xx response.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrRateLimited)
}

// IsServerError returns true if the error maps to a 5xx response.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	var backendErr *BackendError
	return errors.Is(err, ErrBackendUnavail) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrTimeout) ||
		errors.As(err, &backendErr)
}
