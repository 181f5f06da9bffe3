// Package failure defines the error taxonomy shared by every nodeguard component.
//
// Each failure carries a machine-readable Code, a human-readable message, a
// retryable flag and free-form metadata. Failures are immutable once built and
// are compared by identity. Anything that is not a *Error can be brought into
// the taxonomy with Normalize.
package failure

import (
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"time"
)

// Code classifies a failure.
type Code string

// Failure codes.
const (
	CodeLLM        Code = "LLM_ERROR"
	CodeValidation Code = "VALIDATION_ERROR"
	CodeState      Code = "STATE_ERROR"
	CodeTimeout    Code = "TIMEOUT_ERROR"
	CodeRateLimit  Code = "RATE_LIMIT_ERROR"
	CodeUnknown    Code = "UNKNOWN_ERROR"
	// CodeWorkflow marks a run that finished with one or more node failures.
	CodeWorkflow Code = "WORKFLOW_ERROR"
)

// Metadata keys written by the constructors.
const (
	MetaProvider     = "provider"
	MetaStatusCode   = "statusCode"
	MetaField        = "field"
	MetaCurrentStep  = "currentStep"
	MetaTimeoutMs    = "timeoutMs"
	MetaRetryAfterMs = "retryAfterMs"
	MetaOriginalType = "originalType"
	MetaStack        = "stack"
	MetaPanic        = "panic"
)

// Error is a classified failure.
type Error struct {
	msg       string
	code      Code
	retryable bool
	metadata  map[string]any
	cause     error
}

// Option configures a failure built with New.
type Option func(*Error)

// WithRetryable marks the failure as transient.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = retryable
	}
}

// WithMetadata attaches a metadata value.
func WithMetadata(key string, value any) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]any)
		}
		e.metadata[key] = value
	}
}

// WithCause records the underlying error.
func WithCause(err error) Option {
	return func(e *Error) {
		e.cause = err
	}
}

// New creates a failure with the given code. It is not retryable unless
// WithRetryable(true) is passed.
func New(code Code, msg string, opts ...Option) *Error {
	e := &Error{msg: msg, code: code}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewLLM reports a failed call to a model provider. A zero statusCode is omitted.
func NewLLM(provider, msg string, statusCode int) *Error {
	opts := []Option{WithRetryable(true), WithMetadata(MetaProvider, provider)}
	if statusCode != 0 {
		opts = append(opts, WithMetadata(MetaStatusCode, statusCode))
	}
	return New(CodeLLM, msg, opts...)
}

// NewValidation reports invalid input or output. field may be empty.
func NewValidation(msg, field string) *Error {
	var opts []Option
	if field != "" {
		opts = append(opts, WithMetadata(MetaField, field))
	}
	return New(CodeValidation, msg, opts...)
}

// NewState reports an inconsistent workflow state observed at currentStep.
func NewState(msg, currentStep string) *Error {
	return New(CodeState, msg, WithMetadata(MetaCurrentStep, currentStep))
}

// NewTimeout reports an operation that did not settle within timeout.
func NewTimeout(timeout time.Duration) *Error {
	return New(CodeTimeout,
		fmt.Sprintf("operation timed out after %dms", timeout.Milliseconds()),
		WithRetryable(true),
		WithMetadata(MetaTimeoutMs, timeout.Milliseconds()),
	)
}

// NewRateLimit reports throttling. A positive retryAfter overrides the
// computed backoff for the next attempt.
func NewRateLimit(msg string, retryAfter time.Duration) *Error {
	opts := []Option{WithRetryable(true)}
	if retryAfter > 0 {
		opts = append(opts, WithMetadata(MetaRetryAfterMs, retryAfter.Milliseconds()))
	}
	return New(CodeRateLimit, msg, opts...)
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Message returns the human-readable message.
func (e *Error) Message() string { return e.msg }

// Code returns the failure code.
func (e *Error) Code() Code { return e.code }

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.retryable }

// Metadata returns a copy of the failure metadata.
func (e *Error) Metadata() map[string]any {
	return maps.Clone(e.metadata)
}

// Meta returns a single metadata value.
func (e *Error) Meta(key string) (any, bool) {
	v, ok := e.metadata[key]
	return v, ok
}

// Provider returns the model provider of an LLM failure.
func (e *Error) Provider() string {
	s, _ := e.metadata[MetaProvider].(string)
	return s
}

// StatusCode returns the provider status code of an LLM failure, or 0.
func (e *Error) StatusCode() int {
	n, _ := e.metadata[MetaStatusCode].(int)
	return n
}

// Field returns the offending field of a validation failure.
func (e *Error) Field() string {
	s, _ := e.metadata[MetaField].(string)
	return s
}

// CurrentStep returns the step recorded on a state failure.
func (e *Error) CurrentStep() string {
	s, _ := e.metadata[MetaCurrentStep].(string)
	return s
}

// Timeout returns the limit that a timeout failure exceeded.
func (e *Error) Timeout() time.Duration {
	ms, _ := e.metadata[MetaTimeoutMs].(int64)
	return time.Duration(ms) * time.Millisecond
}

// RetryAfter returns the server-provided wait of a rate-limit failure.
func (e *Error) RetryAfter() (time.Duration, bool) {
	ms, ok := e.metadata[MetaRetryAfterMs].(int64)
	if !ok {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// Stack returns the stack captured during normalisation, if any.
func (e *Error) Stack() string {
	s, _ := e.metadata[MetaStack].(string)
	return s
}

// IsFailure reports whether err is, or wraps, a taxonomy failure.
func IsFailure(err error) bool {
	var f *Error
	return errors.As(err, &f)
}

// IsRetryable reports whether err is a retryable taxonomy failure.
// Errors outside the taxonomy are never retryable.
func IsRetryable(err error) bool {
	var f *Error
	if errors.As(err, &f) {
		return f.retryable
	}
	return false
}

// HasCode reports whether err is a taxonomy failure with the given code.
func HasCode(err error, code Code) bool {
	var f *Error
	return errors.As(err, &f) && f.code == code
}

// Normalize converts any error into a taxonomy failure.
//
// Failures pass through unchanged. Any other error becomes a non-retryable
// UNKNOWN_ERROR carrying the original type name and the stack at the point of
// normalisation. The optional context prefixes the message.
func Normalize(err error, context ...string) *Error {
	if err == nil {
		return nil
	}
	var f *Error
	if errors.As(err, &f) {
		return f
	}
	return New(CodeUnknown, prefix(context, err.Error()),
		WithCause(err),
		WithMetadata(MetaOriginalType, fmt.Sprintf("%T", err)),
		WithMetadata(MetaStack, string(debug.Stack())),
	)
}

// FromPanic converts a recovered panic value into a failure.
func FromPanic(v any, context ...string) *Error {
	if err, ok := v.(error); ok {
		if IsFailure(err) {
			return Normalize(err)
		}
		return New(CodeUnknown, prefix(context, err.Error()),
			WithCause(err),
			WithMetadata(MetaOriginalType, fmt.Sprintf("%T", err)),
			WithMetadata(MetaStack, string(debug.Stack())),
			WithMetadata(MetaPanic, true),
		)
	}
	return New(CodeUnknown, prefix(context, fmt.Sprint(v)),
		WithMetadata(MetaOriginalType, fmt.Sprintf("%T", v)),
		WithMetadata(MetaStack, string(debug.Stack())),
		WithMetadata(MetaPanic, true),
	)
}

func prefix(context []string, msg string) string {
	if len(context) == 0 || context[0] == "" {
		return msg
	}
	return context[0] + ": " + msg
}
