package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UnavailableError means the engine could not be reached or answered
// with a transient failure
type UnavailableError struct {
	Operation string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("engine unavailable during %s: %v", e.Operation, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// TimeoutError means a single engine call exceeded its bound. The engine
// may still finish the work on its own.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("engine call %s timed out after %s", e.Operation, e.Timeout)
	}
	return fmt.Sprintf("engine call %s timed out", e.Operation)
}

// ScanAlreadyRunningError is returned by StartScan when the engine
// reports an active scan
type ScanAlreadyRunningError struct {
	Message string
}

func (e *ScanAlreadyRunningError) Error() string {
	if e.Message == "" {
		return "a scan is already running on the engine"
	}
	return fmt.Sprintf("a scan is already running on the engine: %s", e.Message)
}

// ActionError carries the engine's refusal of an operation verbatim
type ActionError struct {
	Operation string
	Message   string
}

func (e *ActionError) Error() string {
	return e.Message
}

// APIError represents an error status from the HTTP engine agent
type APIError struct {
	StatusCode int
	Message    string
	Retriable  bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetriable returns true if this error should be retried
func (e *APIError) IsRetriable() bool {
	return e.Retriable
}

// ConfigurationError represents a configuration validation error
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// NewAPIError creates a new API error with retriability determination
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Retriable:  isRetriableStatusCode(statusCode),
	}
}

// IsUnavailable reports whether err is a transient engine failure
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is an engine call timeout
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsScanAlreadyRunning reports whether err is an engine-side scan conflict
func IsScanAlreadyRunning(err error) bool {
	var target *ScanAlreadyRunningError
	return errors.As(err, &target)
}

// IsRetriableError checks if an error should be retried
func IsRetriableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetriable()
	}

	// Timeouts are surfaced to the caller, never retried automatically
	if IsTimeout(err) {
		return false
	}

	if IsUnavailable(err) {
		return true
	}

	return false
}

// classifyCallError maps a raw call failure onto the engine error taxonomy
func classifyCallError(operation string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	var (
		timeoutErr *TimeoutError
		runningErr *ScanAlreadyRunningError
		actionErr  *ActionError
		unavailErr *UnavailableError
		apiErr     *APIError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &runningErr),
		errors.As(err, &actionErr), errors.As(err, &unavailErr):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Operation: operation, Timeout: timeout}
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &apiErr):
		if apiErr.Retriable {
			return &UnavailableError{Operation: operation, Err: err}
		}
		return &ActionError{Operation: operation, Message: apiErr.Message}
	default:
		return &UnavailableError{Operation: operation, Err: err}
	}
}
