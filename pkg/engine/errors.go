package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary remote failure that may
	// succeed on retry. Examples: timeouts, 5xx responses, connection resets.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the remote service signalled rate
	// limiting. Throttled errors do not consume the retry budget.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a create target already exists. The
	// executor converts the operation to an update once.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error. Examples:
	// validation failures, missing paths, policy violations.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// OperationID is the operation during which the error occurred.
	OperationID string `json:"operation_id,omitempty"`

	// Path is the resource path that caused the error, if applicable.
	Path string `json:"path,omitempty"`

	// RetryAfter carries a server-provided backoff hint for rate-limited
	// errors; zero when the server gave none.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.OperationID != "" && e.Path != "" {
		return fmt.Sprintf("[%s] %s (operation=%s, path=%s): %s",
			e.Class, e.Message, e.OperationID, e.Path, e.unwrapMessage())
	}
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s (path=%s): %s",
			e.Class, e.Message, e.Path, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled (rate-limited) error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Code:    ErrCodeRateLimited,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeAlreadyExists,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCode adds an error code to the error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithOperation adds operation context to the error.
func (e *EngineError) WithOperation(operationID string) *EngineError {
	e.OperationID = operationID
	return e
}

// WithPath adds resource-path context to the error.
func (e *EngineError) WithPath(path string) *EngineError {
	e.Path = path
	return e
}

// WithRetryAfter records a server-provided backoff hint.
func (e *EngineError) WithRetryAfter(d time.Duration) *EngineError {
	e.RetryAfter = d
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsNotFound returns true if the error carries the not-found code.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsCyclic returns true if the error carries the cyclic-dependency code.
func IsCyclic(err error) bool {
	return hasCode(err, ErrCodeCyclicDependency)
}

// IsSafetyViolation returns true if the error carries the safety-policy code.
func IsSafetyViolation(err error) bool {
	return hasCode(err, ErrCodeSafetyViolation)
}

// IsValidation returns true if the error carries the validation code.
func IsValidation(err error) bool {
	return hasCode(err, ErrCodeValidation)
}

// RetryAfterHint extracts a server-provided backoff hint from the error
// chain, or zero when none is present.
func RetryAfterHint(err error) time.Duration {
	var e *EngineError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_FAILURE"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeCyclicDependency = "CYCLIC_DEPENDENCY"
	ErrCodeDeferredFailed   = "DEFERRED_RESOLUTION_FAILURE"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeAuthFailed       = "AUTH_FAILURE"
	ErrCodeSafetyViolation  = "SAFETY_POLICY_VIOLATION"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeHandlerMissing   = "HANDLER_MISSING"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
