// Package errors provides a structured error system for the memory engine with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for engine operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors - always fail fast at construction
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Cache errors - expected runtime conditions, surfaced as values not panics
	ErrCodeKeyNotFound      ErrorCode = "KEY_NOT_FOUND"
	ErrCodeCapacityEviction ErrorCode = "CAPACITY_EVICTION"
	ErrCodeCacheClosed      ErrorCode = "CACHE_CLOSED"
	ErrCodeCacheRegistered  ErrorCode = "CACHE_REGISTERED"

	// Tier errors
	ErrCodeRecordNotFound       ErrorCode = "RECORD_NOT_FOUND"
	ErrCodeTierValidation       ErrorCode = "TIER_VALIDATION"
	ErrCodeConsistencyViolation ErrorCode = "CONSISTENCY_VIOLATION"
	ErrCodeIllegalTransition    ErrorCode = "ILLEGAL_TRANSITION"

	// Persistence errors - the collaborator boundary degrades, never corrupts
	ErrCodePersistenceUnavailable ErrorCode = "PERSISTENCE_UNAVAILABLE"
	ErrCodeStatementFailed        ErrorCode = "STATEMENT_FAILED"
	ErrCodeSchemaFailed           ErrorCode = "SCHEMA_FAILED"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Operation errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal system errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
	ErrCodeUnknownError   ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCache         ErrorCategory = "cache"
	CategoryTier          ErrorCategory = "tier"
	CategoryPersistence   ErrorCategory = "persistence"
	CategoryConnection    ErrorCategory = "connection"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// EngineError represents a structured error with context and metadata.
type EngineError struct {
	// Core error information
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	// Contextual information
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"` // Not serialized to avoid circular refs
	Timestamp time.Time         `json:"timestamp"`

	// Operational metadata
	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Error handling hints
	Retryable bool `json:"retryable"`

	// Debug information
	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *EngineError) Is(target error) bool {
	if engineErr, ok := target.(*EngineError); ok {
		return e.Code == engineErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *EngineError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

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
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("EngineError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *EngineError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new engine error with default values.
func NewError(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "KEY_") || strings.HasPrefix(codeStr, "CACHE_") ||
		strings.HasPrefix(codeStr, "CAPACITY_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "RECORD_") || strings.HasPrefix(codeStr, "TIER_") ||
		strings.HasPrefix(codeStr, "CONSISTENCY_") || strings.HasPrefix(codeStr, "ILLEGAL_"):
		return CategoryTier
	case strings.HasPrefix(codeStr, "PERSISTENCE_") || strings.HasPrefix(codeStr, "STATEMENT_") ||
		strings.HasPrefix(codeStr, "SCHEMA_"):
		return CategoryPersistence
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeNetworkError:      true,
		ErrCodeOperationTimeout:  true,
		ErrCodeStatementFailed:   true,
		ErrCodeInternalError:     true,
	}
	return retryableCodes[code]
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:]) // +2 to skip this function and the caller
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") { // Skip frames from this file
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *EngineError) WithContext(key, value string) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *EngineError) WithComponent(component string) *EngineError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *EngineError) WithCause(cause error) *EngineError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *EngineError) WithStack() *EngineError {
	e.Stack = CaptureStack(2)
	return e
}

// IsCode reports whether err carries the given engine error code anywhere in
// its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if engineErr, ok := err.(*EngineError); ok && engineErr.Code == code {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IsPersistenceUnavailable reports whether err indicates a down or missing
// persistence collaborator. Callers degrade to in-memory operation on it.
func IsPersistenceUnavailable(err error) bool {
	return IsCode(err, ErrCodePersistenceUnavailable)
}

// IsNotFound reports whether err indicates an absent key or record. Absence
// is a normal condition, not a failure.
func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeKeyNotFound) || IsCode(err, ErrCodeRecordNotFound)
}
