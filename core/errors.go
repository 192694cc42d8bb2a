package core

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// ErrorKind tags every framework error with a stable taxonomy entry.
// Each kind maps to exactly one HTTP status code.
type ErrorKind string

const (
	KindServerInitialization    ErrorKind = "SERVER_INITIALIZATION"
	KindServerStart             ErrorKind = "SERVER_START"
	KindServerStop              ErrorKind = "SERVER_STOP"
	KindConfigError             ErrorKind = "CONFIG_ERROR"
	KindInitializerValidation   ErrorKind = "INITIALIZER_VALIDATION"
	KindActionValidation        ErrorKind = "ACTION_VALIDATION"
	KindTaskValidation          ErrorKind = "TASK_VALIDATION"
	KindSessionNotFound         ErrorKind = "SESSION_NOT_FOUND"
	KindActionNotFound          ErrorKind = "ACTION_NOT_FOUND"
	KindActionParamRequired     ErrorKind = "ACTION_PARAM_REQUIRED"
	KindActionParamValidation   ErrorKind = "ACTION_PARAM_VALIDATION"
	KindActionParamFormatting   ErrorKind = "ACTION_PARAM_FORMATTING"
	KindActionRun               ErrorKind = "ACTION_RUN"
	KindConnectionTypeNotFound  ErrorKind = "CONNECTION_TYPE_NOT_FOUND"
	KindConnectionNotSubscribed ErrorKind = "CONNECTION_NOT_SUBSCRIBED"
	KindChannelAuthorization    ErrorKind = "CONNECTION_CHANNEL_AUTHORIZATION"
	KindConnectionRateLimited   ErrorKind = "CONNECTION_RATE_LIMITED"
	KindTaskDefinition          ErrorKind = "CONNECTION_TASK_DEFINITION"

	// KindRedisConnection marks failures talking to the backing store. It is
	// internal to the framework and surfaces as a plain 500.
	KindRedisConnection ErrorKind = "REDIS_CONNECTION"
)

// HTTPStatus returns the status code for this kind. Unknown kinds are
// treated as internal failures.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindSessionNotFound, KindChannelAuthorization:
		return http.StatusUnauthorized
	case KindActionNotFound:
		return http.StatusNotFound
	case KindActionParamRequired, KindActionParamValidation, KindActionParamFormatting,
		KindConnectionTypeNotFound, KindConnectionNotSubscribed:
		return http.StatusNotAcceptable
	case KindConnectionRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// TypedError is the structured error used across the framework. It carries
// the taxonomy kind, an optional offending parameter (Key/Value), the stack
// of the original failure when one was captured, and the wrapped cause.
// It implements error and supports errors.Is/As through Unwrap.
type TypedError struct {
	Kind       ErrorKind
	Message    string
	Key        string      // offending parameter name, when applicable
	Value      interface{} // offending value, already redacted for secret fields
	Stack      string      // captured stack of the underlying failure
	RetryAfter int         // seconds, set only for rate limit errors
	Err        error       // underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *TypedError) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *TypedError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code implied by the error kind.
func (e *TypedError) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// NewTypedError creates a TypedError of the given kind.
func NewTypedError(kind ErrorKind, message string) *TypedError {
	return &TypedError{Kind: kind, Message: message}
}

// WrapError creates a TypedError around an existing error, capturing the
// current stack so transports can surface it when configured to.
func WrapError(kind ErrorKind, message string, err error) *TypedError {
	return &TypedError{
		Kind:    kind,
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// ParamError creates a 406-class error naming the offending field. Callers
// must redact value themselves when the field is secret.
func ParamError(kind ErrorKind, message, key string, value interface{}) *TypedError {
	return &TypedError{Kind: kind, Message: message, Key: key, Value: value}
}

// AsTypedError extracts a TypedError from an error chain.
func AsTypedError(err error) (*TypedError, bool) {
	var te *TypedError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err. Errors that never passed through
// the framework report as ACTION_RUN, the catch-all for handler failures.
func KindOf(err error) ErrorKind {
	if te, ok := AsTypedError(err); ok {
		return te.Kind
	}
	return KindActionRun
}

// IsNotFound reports whether err represents an unknown action or route.
func IsNotFound(err error) bool {
	return KindOf(err) == KindActionNotFound
}

// IsValidation reports whether err represents rejected input.
func IsValidation(err error) bool {
	switch KindOf(err) {
	case KindActionParamRequired, KindActionParamValidation, KindActionParamFormatting:
		return true
	}
	return false
}

// IsRateLimited reports whether err represents an exceeded rate limit.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindConnectionRateLimited
}

// Envelope renders the wire form used by every transport:
// {message, type, timestamp, key?, value?, stack?}. The timestamp is epoch
// milliseconds at serialization time. Stack is attached only when asked for.
func (e *TypedError) Envelope(includeStack bool) map[string]interface{} {
	env := map[string]interface{}{
		"message":   e.Error(),
		"type":      string(e.Kind),
		"timestamp": time.Now().UnixMilli(),
	}
	if e.Key != "" {
		env["key"] = e.Key
	}
	if e.Value != nil {
		env["value"] = e.Value
	}
	if includeStack && e.Stack != "" {
		env["stack"] = e.Stack
	}
	return env
}

// EnsureTyped returns err as a TypedError, wrapping foreign errors as
// ACTION_RUN so they cross the transport boundary with a status code.
func EnsureTyped(err error) *TypedError {
	if te, ok := AsTypedError(err); ok {
		return te
	}
	return WrapError(KindActionRun, err.Error(), err)
}

func captureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
