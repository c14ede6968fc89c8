// Package errors provides the structured error type shared by the resilience
// layer: error codes, categories and wrapping that keeps the cause reachable
// through errors.Is and errors.As.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Circuit breaker
	ErrCodeCircuitOpen     ErrorCode = "CIRCUIT_OPEN"
	ErrCodeProbeInFlight   ErrorCode = "CIRCUIT_PROBE_IN_FLIGHT"
	ErrCodeCircuitRejected ErrorCode = "CIRCUIT_REJECTED"

	// Scaling
	ErrCodeLoadUnavailable ErrorCode = "SCALING_LOAD_UNAVAILABLE"
	ErrCodeInvalidLoad     ErrorCode = "SCALING_INVALID_LOAD"
	ErrCodeCapacityUpdate  ErrorCode = "SCALING_CAPACITY_UPDATE"
	ErrCodeCapacityRead    ErrorCode = "SCALING_CAPACITY_READ"

	// Lifecycle
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operations
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeServiceDegraded  ErrorCode = "SERVICE_DEGRADED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes for reporting.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCircuit       ErrorCategory = "circuit"
	CategoryScaling       ErrorCategory = "scaling"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// ResilienceError is a structured error with code, origin and cause.
type ResilienceError struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *ResilienceError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the cause.
func (e *ResilienceError) Unwrap() error {
	return e.Cause
}

// Is matches another *ResilienceError by code.
func (e *ResilienceError) Is(target error) bool {
	if t, ok := target.(*ResilienceError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logs.
func (e *ResilienceError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("ResilienceError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error encoded as JSON.
func (e *ResilienceError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates an error with defaults derived from the code.
func NewError(code ErrorCode, message string) *ResilienceError {
	return &ResilienceError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *ResilienceError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *ResilienceError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory derives the category from the code.
func GetCategory(code ErrorCode) ErrorCategory {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "INVALID_CONFIG") || strings.HasPrefix(s, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(s, "CIRCUIT_"):
		return CategoryCircuit
	case strings.HasPrefix(s, "SCALING_"):
		return CategoryScaling
	case strings.HasPrefix(s, "ALREADY_") || strings.HasPrefix(s, "NOT_INITIALIZED") ||
		strings.HasPrefix(s, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(s, "OPERATION_") || strings.HasPrefix(s, "RETRY_") ||
		strings.HasPrefix(s, "SERVICE_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a caller may retry the failure later.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeCircuitOpen, ErrCodeProbeInFlight, ErrCodeCircuitRejected,
		ErrCodeOperationTimeout, ErrCodeCapacityUpdate, ErrCodeCapacityRead,
		ErrCodeLoadUnavailable, ErrCodeServiceDegraded:
		return true
	}
	return false
}

// GetDefaultHTTPStatus maps a code to the status a host should answer with.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeInvalidLoad:
		return 400
	case ErrCodeAlreadyStarted:
		return 409
	case ErrCodeCircuitOpen, ErrCodeProbeInFlight, ErrCodeCircuitRejected,
		ErrCodeServiceDegraded, ErrCodeNotInitialized, ErrCodeShutdownInProgress:
		return 503
	case ErrCodeOperationTimeout:
		return 504
	}
	return 500
}

// WithDetail attaches a key/value detail.
func (e *ResilienceError) WithDetail(key string, value interface{}) *ResilienceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *ResilienceError) WithComponent(component string) *ResilienceError {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *ResilienceError) WithOperation(operation string) *ResilienceError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *ResilienceError) WithCause(cause error) *ResilienceError {
	e.Cause = cause
	return e
}

// HasCode reports whether err, or anything it wraps, is a ResilienceError with code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if re, ok := err.(*ResilienceError); ok && re.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of the outermost ResilienceError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	for err != nil {
		if re, ok := err.(*ResilienceError); ok {
			return re.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As from the standard library.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
