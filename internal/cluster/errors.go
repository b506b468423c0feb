package cluster

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNilConfig             = errors.New("cluster config is nil")
	ErrInstanceIDEmpty       = errors.New("instance id is empty")
	ErrInstanceHostEmpty     = errors.New("instance host is empty")
	ErrInstancePortInvalid   = errors.New("instance port must be > 0")
	ErrRedisConfigNil        = errors.New("redis config is nil")
	ErrRedisAddrEmpty        = errors.New("redis address is empty")
	ErrRedisPortInvalid      = errors.New("redis port must be > 0")
	ErrRedisDBInvalid        = errors.New("redis db must be >= 0")
	ErrUnsupportedBus        = errors.New("unsupported bus backend")
	ErrNATSURLEmpty          = errors.New("nats url is empty")
	ErrGRPCPortInvalid       = errors.New("grpc port must be > 0")
	ErrTLSCertPathMissing    = errors.New("grpc tls cert path empty")
	ErrTLSKeyPathMissing     = errors.New("grpc tls key path empty")
	ErrHeartbeatInvalid      = errors.New("heartbeat interval must be > 0")
	ErrHealthCheckInvalid    = errors.New("health check interval must be > 0")
	ErrInstanceTTLInvalid    = errors.New("instance ttl must be >= 2x heartbeat interval")
	ErrLockTTLInvalid        = errors.New("lock ttl must be > 0")
	ErrLockRetryInvalid      = errors.New("lock retry count must be > 0")
	ErrRoomTTLInvalid        = errors.New("room ttls must be > 0")
	ErrRoomScanLimitInvalid  = errors.New("room scan limit must be > 0")
	ErrConnectionTTLInvalid  = errors.New("connection ttls must be > 0")
	ErrCacheTTLInvalid       = errors.New("cache ttl must be > 0")
	ErrQueueEntryTTLInvalid  = errors.New("matchmaking entry ttl must be > 0")
	ErrUnsupportedStrategy   = errors.New("unsupported matching strategy")
	ErrUnsupportedForwarding = errors.New("unsupported forwarding mode")
	ErrForwardTimeoutInvalid = errors.New("forward timeout must be > 0")
	ErrUnsupportedBalance    = errors.New("unsupported balance strategy")
)

// Code is a stable, client-visible error classification.
type Code string

const (
	CodeLockExhausted Code = "LOCK_EXHAUSTED"
	CodeTimeout       Code = "TIMEOUT"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeValidation    Code = "VALIDATION"
	CodeEngine        Code = "ENGINE"
	CodePartialWrite  Code = "PARTIAL_WRITE"
	CodeUnsupported   Code = "UNSUPPORTED"
	CodeInternal      Code = "INTERNAL"
)

// Retryable reports whether an operation failing with this code may succeed
// when retried with backoff.
func (c Code) Retryable() bool {
	switch c {
	case CodeLockExhausted, CodeTimeout, CodeUnavailable, CodePartialWrite:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is. An *Error matches a sentinel when the codes match.
var (
	ErrLockExhausted = &Error{Code: CodeLockExhausted}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrUnavailable   = &Error{Code: CodeUnavailable}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrValidation    = &Error{Code: CodeValidation}
	ErrEngine        = &Error{Code: CodeEngine}
	ErrPartialWrite  = &Error{Code: CodePartialWrite}
	ErrUnsupported   = &Error{Code: CodeUnsupported}
	ErrInternal      = &Error{Code: CodeInternal}
)

// Error is the typed error every coordination component returns.
type Error struct {
	Code    Code
	Message string
	Details string
	cause   error
}

// NewError builds an error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and message to an underlying cause.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	e := &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

func (e *Error) Error() string {
	switch {
	case e.Message == "":
		return string(e.Code)
	case e.Details != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Details)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Retryable reports whether the failure is transient.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// CodeOf classifies any error. Context deadlines map to TIMEOUT, untyped
// errors to INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeUnavailable
	}
	return CodeInternal
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
