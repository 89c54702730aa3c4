package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the domain layer.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrToolFailure      = fmt.Errorf("tool execution failed")
	ErrArgumentParse    = fmt.Errorf("tool arguments could not be parsed")
	ErrMaxIterations    = fmt.Errorf("orchestrator reached max iterations")
	ErrCacheMiss        = fmt.Errorf("cache miss")
	ErrPoolClosed       = fmt.Errorf("task pool closed")
	ErrPoolFull         = fmt.Errorf("task pool at capacity")

	// Provider error taxonomy. Every ProviderError unwraps to one of these.
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrContentFilter   = fmt.Errorf("content blocked by provider filter")
	ErrProviderError   = fmt.Errorf("provider error")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ProviderErrorKind is the class of a model provider failure.
type ProviderErrorKind string

const (
	ProviderErrAuth          ProviderErrorKind = "auth"
	ProviderErrRateLimit     ProviderErrorKind = "rate_limit"
	ProviderErrContextLength ProviderErrorKind = "context_length"
	ProviderErrContentFilter ProviderErrorKind = "content_filter"
	ProviderErrGeneric       ProviderErrorKind = "generic"
)

// ProviderError is a classified failure of a model provider call.
type ProviderError struct {
	Kind       ProviderErrorKind
	Provider   string
	StatusCode int // 0 when the failure happened before a response arrived
	Message    string
	// RetryAfter is the provider's requested back-off for rate limits.
	RetryAfter time.Duration
	// Retryable is true for rate limits, 5xx and transport failures.
	Retryable bool
	Cause     error
}

func (e *ProviderError) Error() string {
	prefix := "provider"
	if e.Provider != "" {
		prefix = "provider " + e.Provider
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", prefix, e.sentinel(), e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.sentinel(), e.Message)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *ProviderError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.sentinel(), e.Cause}
	}
	return []error{e.sentinel()}
}

func (e *ProviderError) sentinel() error {
	switch e.Kind {
	case ProviderErrAuth:
		return ErrAuthInvalid
	case ProviderErrRateLimit:
		return ErrRateLimit
	case ProviderErrContextLength:
		return ErrContextOverflow
	case ProviderErrContentFilter:
		return ErrContentFilter
	default:
		return ErrProviderError
	}
}

// ToolExecutionError wraps any failure raised by a tool executor.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() []error { return []error{ErrToolFailure, e.Err} }

// ArgumentParseError reports malformed tool-call arguments from the model.
type ArgumentParseError struct {
	Tool string
	Err  error
}

func (e *ArgumentParseError) Error() string {
	return fmt.Sprintf("tool %q: invalid arguments: %v", e.Tool, e.Err)
}

func (e *ArgumentParseError) Unwrap() []error { return []error{ErrArgumentParse, e.Err} }

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// ErrorCode is a machine-parseable error category for monitoring and clients.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure      ErrorCode = "TOOL_FAILURE"
	CodeArgumentParse    ErrorCode = "ARGUMENT_PARSE"
	CodeMaxIterations    ErrorCode = "MAX_ITERATIONS"
	CodeCacheMiss        ErrorCode = "CACHE_MISS"
	CodePoolClosed       ErrorCode = "POOL_CLOSED"
	CodePoolFull         ErrorCode = "POOL_FULL"
	CodeAuthInvalid      ErrorCode = "PROVIDER_AUTH"
	CodeRateLimit        ErrorCode = "PROVIDER_RATE_LIMIT"
	CodeContextOverflow  ErrorCode = "PROVIDER_CONTEXT_LENGTH"
	CodeContentFilter    ErrorCode = "PROVIDER_CONTENT_FILTER"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeTimeout          ErrorCode = "TIMEOUT"
)

// errorCodeOrder maps sentinels to codes. Order matters: the first match wins,
// so specific sentinels precede generic ones.
var errorCodeOrder = []struct {
	err  error
	code ErrorCode
}{
	{ErrMaxIterations, CodeMaxIterations},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRateLimit, CodeRateLimit},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrContentFilter, CodeContentFilter},
	{ErrProviderError, CodeProviderError},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrArgumentParse, CodeArgumentParse},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrToolFailure, CodeToolFailure},
	{ErrCacheMiss, CodeCacheMiss},
	{ErrPoolClosed, CodePoolClosed},
	{ErrPoolFull, CodePoolFull},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrNotFound, CodeNotFound},
	{context.Canceled, CodeCanceled},
	{context.DeadlineExceeded, CodeTimeout},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodeOrder {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode { return ErrorCodeOf(e.Err) }

// ErrorInfo is the structured error object surfaced to clients.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorInfo builds the client-facing error object for err.
func NewErrorInfo(err error) ErrorInfo {
	if err == nil {
		return ErrorInfo{Code: CodeUnknown, Message: "unknown error"}
	}
	return ErrorInfo{Code: ErrorCodeOf(err), Message: err.Error()}
}
