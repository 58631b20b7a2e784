package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind is the normalized category of a failure
type Kind string

const (
	KindAuth             Kind = "auth"
	KindRateLimit        Kind = "rate_limit"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindExternalService  Kind = "external_service"
	KindDatabase         Kind = "database"
	KindExecutionTimeout Kind = "execution_timeout"
	KindConfiguration    Kind = "configuration"
	KindInternal         Kind = "internal"
	KindBreakerOpen      Kind = "breaker_open"
)

// Severity ranks how urgently a failure needs attention
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON payloads
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error codes shared across components
const (
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeConcurrentLimitExceeded = "CONCURRENT_LIMIT_EXCEEDED"
	CodeUpstreamRateLimited     = "UPSTREAM_RATE_LIMITED"
	CodeBreakerOpen             = "CIRCUIT_BREAKER_OPEN"
	CodeExecutionTimeout        = "EXECUTION_TIMEOUT"
	CodeExecutionCancelled      = "EXECUTION_CANCELLED"
	CodeValidation              = "VALIDATION_ERROR"
	CodeAuthentication          = "AUTHENTICATION_ERROR"
	CodeNotFound                = "NOT_FOUND"
	CodeExternalService         = "EXTERNAL_SERVICE_ERROR"
	CodeDatabase                = "DATABASE_ERROR"
	CodeConfiguration           = "CONFIGURATION_ERROR"
	CodeInternal                = "INTERNAL_ERROR"
)

// ClassifiedError is a failure normalized into a typed, severity-tagged,
// retry-decidable representation. Message is safe to show to end users;
// Details and Cause are for diagnostics only.
type ClassifiedError struct {
	Kind      Kind              `json:"kind"`
	Severity  Severity          `json:"severity"`
	Retryable bool              `json:"retryable"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Attempts  int               `json:"attempts,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// New creates a classified error with the default severity for its kind
func New(kind Kind, code, message string, retryable bool) *ClassifiedError {
	return &ClassifiedError{
		Kind:      kind,
		Severity:  DefaultSeverity(kind),
		Retryable: retryable,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *ClassifiedError) WithCause(cause error) *ClassifiedError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *ClassifiedError) WithDetail(key, value string) *ClassifiedError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSeverity overrides the severity
func (e *ClassifiedError) WithSeverity(severity Severity) *ClassifiedError {
	e.Severity = severity
	return e
}

// WithAttempts returns a copy annotated with the number of attempts made.
// The receiver is left untouched so errors shared between callers are never mutated.
func (e *ClassifiedError) WithAttempts(attempts int) *ClassifiedError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Attempts = attempts
	return &cp
}

// DefaultSeverity returns the severity assigned to a kind when none is given
func DefaultSeverity(kind Kind) Severity {
	switch kind {
	case KindConfiguration:
		return SeverityCritical
	case KindInternal, KindDatabase:
		return SeverityHigh
	case KindExternalService, KindExecutionTimeout, KindBreakerOpen, KindRateLimit:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Common error constructors
func NewValidationError(message string) *ClassifiedError {
	return New(KindValidation, CodeValidation, message, false)
}

func NewAuthenticationError(message string) *ClassifiedError {
	return New(KindAuth, CodeAuthentication, message, false)
}

func NewNotFoundError(resource string) *ClassifiedError {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource), false)
}

// NewRateLimitError is returned when a local quota rejects a call
func NewRateLimitError(message string) *ClassifiedError {
	return New(KindRateLimit, CodeRateLimitExceeded, message, false)
}

// NewConcurrentLimitError is returned when a subject has too many executions in flight
func NewConcurrentLimitError(message string) *ClassifiedError {
	return New(KindRateLimit, CodeConcurrentLimitExceeded, message, false)
}

// NewUpstreamRateLimitError is a dependency telling us to slow down; worth retrying later
func NewUpstreamRateLimitError(service, message string) *ClassifiedError {
	return New(KindRateLimit, CodeUpstreamRateLimited, message, true).
		WithDetail("service", service)
}

func NewBreakerOpenError(resource string) *ClassifiedError {
	return New(KindBreakerOpen, CodeBreakerOpen,
		fmt.Sprintf("%s is temporarily unavailable, please try again later", resource), false).
		WithDetail("resource", resource)
}

func NewExecutionTimeoutError(operation string, timeout time.Duration) *ClassifiedError {
	return New(KindExecutionTimeout, CodeExecutionTimeout,
		fmt.Sprintf("%s timed out", operation), false).
		WithDetail("timeout", timeout.String())
}

func NewCancelledError(operation string) *ClassifiedError {
	return New(KindInternal, CodeExecutionCancelled,
		fmt.Sprintf("%s was cancelled", operation), false).
		WithSeverity(SeverityLow)
}

func NewConfigurationError(message string) *ClassifiedError {
	return New(KindConfiguration, CodeConfiguration, message, false)
}

func NewExternalServiceError(service, message string) *ClassifiedError {
	return New(KindExternalService, CodeExternalService, message, true).
		WithDetail("service", service)
}

func NewDatabaseError(message string) *ClassifiedError {
	return New(KindDatabase, CodeDatabase, message, true)
}

func NewInternalError(message string) *ClassifiedError {
	return New(KindInternal, CodeInternal, message, false)
}

// As extracts a ClassifiedError anywhere in the chain
func As(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsKind checks if the error is of a specific kind
func IsKind(err error, kind Kind) bool {
	if ce, ok := As(err); ok {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of a classified error, Internal otherwise
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return KindInternal
}

// CodeOf returns the error code if it's a ClassifiedError
func CodeOf(err error) string {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return "UNKNOWN_ERROR"
}

// UserMessage returns the message safe to forward to callers
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if ce, ok := As(err); ok {
		return ce.Message
	}
	return "an unexpected error occurred"
}
