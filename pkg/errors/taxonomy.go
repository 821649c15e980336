package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// ErrorCategory represents the category of error
type ErrorCategory string

const (
	// Infrastructure Errors (1xxx)
	CodeConnectionFailed   = "DOS-1001" // Network connectivity issues
	CodeTimeout            = "DOS-1002" // Operation timeout
	CodeRateLimit          = "DOS-1003" // Remote API throttled the call
	CodeLeaseConflict      = "DOS-1004" // Concurrent lease attempt lost a race
	CodeServiceUnavailable = "DOS-1005" // Queue store or remote service down
	CodeUploadFailed       = "DOS-1006" // Remote upload rejected

	// Authentication Errors (2xxx)
	CodeAuthMissing    = "DOS-2001" // Missing credentials
	CodeAuthPermission = "DOS-2004" // Insufficient permissions

	// Validation Errors (3xxx)
	CodeInvalidInput    = "DOS-3001" // Invalid parameters
	CodeMissingRequired = "DOS-3002" // Missing required field
	CodeFormatInvalid   = "DOS-3003" // Invalid format/schema
	CodeUnsupportedHash = "DOS-3005" // Unknown hash algorithm

	// Operation Errors (4xxx)
	CodeNotLeased         = "DOS-4003" // Entry is not currently leased
	CodeResourceNotFound  = "DOS-4004" // Plan or artifact not found
	CodeDuplicatePlan     = "DOS-4005" // plan_id already enqueued
	CodeInvalidTransition = "DOS-4006" // Status change not permitted
	CodeLeaseLost         = "DOS-4007" // Lease was reclaimed and handed to another worker

	// System Errors (5xxx)
	CodeInternalError = "DOS-5001" // Unexpected internal error
	CodeManifestWrite = "DOS-5003" // Manifest could not be persisted
	CodePanic         = "DOS-5004" // Panic recovery
)

// Sentinels for errors.Is. Matching is by code, so any *Error carrying the
// same code matches regardless of message.
var (
	ErrDuplicatePlan     = &Error{Code: CodeDuplicatePlan}
	ErrNotLeased         = &Error{Code: CodeNotLeased}
	ErrNotFound          = &Error{Code: CodeResourceNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrLeaseLost         = &Error{Code: CodeLeaseLost}
	ErrLeaseConflict     = &Error{Code: CodeLeaseConflict}
	ErrStoreUnavailable  = &Error{Code: CodeServiceUnavailable}
	ErrManifestWrite     = &Error{Code: CodeManifestWrite}
	ErrInvalidInput      = &Error{Code: CodeInvalidInput}
	ErrUnsupportedHash   = &Error{Code: CodeUnsupportedHash}
	ErrUploadFailed      = &Error{Code: CodeUploadFailed}
)

// ErrorSeverity represents the severity level
type ErrorSeverity int

const (
	SeverityCritical ErrorSeverity = iota // Plan cannot proceed
	SeverityHigh                          // Service degraded
	SeverityMedium                        // Operation rejected
	SeverityLow                           // Informational
)

// Error is a coded error with context
type Error struct {
	Code          string                 `json:"code"`
	Category      ErrorCategory          `json:"category"`
	Message       string                 `json:"message"`
	Severity      ErrorSeverity          `json:"severity"`
	Context       map[string]interface{} `json:"context,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Retryable     bool                   `json:"retryable"`
	CorrelationID string                 `json:"correlation_id"`
	StackTrace    []string               `json:"stack_trace,omitempty"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s]", e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on error code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ShouldRetry determines if the error is retryable
func (e *Error) ShouldRetry() bool {
	return e.Retryable && e.Severity > SeverityCritical
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ToJSON serializes the error to JSON
func (e *Error) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error with category, severity and retryability derived from the code
func New(code string, message string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		Category:      getCategoryFromCode(code),
		Severity:      getSeverityFromCode(code),
		Retryable:     isRetryableCode(code),
		Timestamp:     time.Now(),
		CorrelationID: uuid.New().String(),
		StackTrace:    captureStackTrace(),
	}
}

// Newf is New with a format string
func Newf(code string, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error under code, keeping it reachable through Unwrap
func Wrap(err error, code string, message string) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if message != "" {
		msg = message + ": " + msg
	}
	e := New(code, msg)
	e.cause = err
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none
func CodeOf(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// getCategoryFromCode determines category from error code
func getCategoryFromCode(code string) ErrorCategory {
	if len(code) < 6 {
		return ErrorCategory("unknown")
	}

	prefix := code[4:5] // Get the first digit after "DOS-"
	switch prefix {
	case "1":
		return ErrorCategory("infrastructure")
	case "2":
		return ErrorCategory("authentication")
	case "3":
		return ErrorCategory("validation")
	case "4":
		return ErrorCategory("operation")
	case "5":
		return ErrorCategory("system")
	default:
		return ErrorCategory("unknown")
	}
}

// getSeverityFromCode determines severity from error code
func getSeverityFromCode(code string) ErrorSeverity {
	switch code {
	case CodePanic, CodeManifestWrite:
		return SeverityCritical
	case CodeServiceUnavailable, CodeConnectionFailed:
		return SeverityHigh
	case CodeRateLimit, CodeLeaseConflict, CodeUploadFailed, CodeTimeout:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// isRetryableCode determines if an error code is retryable
func isRetryableCode(code string) bool {
	switch code {
	case CodeConnectionFailed, CodeTimeout, CodeRateLimit, CodeServiceUnavailable,
		CodeLeaseConflict, CodeUploadFailed:
		return true
	default:
		return false
	}
}

// captureStackTrace captures the current stack trace
func captureStackTrace() []string {
	const maxDepth = 10
	pc := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pc) // Skip runtime.Callers, captureStackTrace, and caller

	stack := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fn := runtime.FuncForPC(pc[i])
		if fn != nil {
			file, line := fn.FileLine(pc[i])
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}
	return stack
}
