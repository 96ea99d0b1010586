package interceptor

import (
	"fmt"
	"time"
)

// ErrorKind classifies an interceptor failure and determines how the chain
// responds to it.
type ErrorKind string

const (
	// KindFatal aborts the chain immediately and surfaces a protocol-level
	// error to the caller.
	KindFatal ErrorKind = "fatal"
	// KindRecoverable is logged and metered; the chain continues with the
	// envelope unchanged.
	KindRecoverable ErrorKind = "recoverable"
	// KindRetry asks the chain to wait and invoke the same interceptor once
	// more. A second failure is downgraded to recoverable.
	KindRetry ErrorKind = "retry"
	// KindSkip is logged at debug level; the chain continues.
	KindSkip ErrorKind = "skip"
	// KindConfiguration is treated as fatal: a misconfigured interceptor
	// must not silently degrade.
	KindConfiguration ErrorKind = "configuration"
)

// Error is a typed interceptor failure.
type Error struct {
	Kind ErrorKind
	// RetryDelay applies only to KindRetry.
	RetryDelay time.Duration
	// Interceptor is filled in by the chain for logging.
	Interceptor string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("interceptor %s (%s): %v", e.Interceptor, e.Kind, e.Err)
	}
	return fmt.Sprintf("interceptor %s (%s)", e.Interceptor, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal wraps err as a chain-aborting failure.
func Fatal(err error) *Error { return &Error{Kind: KindFatal, Err: err} }

// Fatalf builds a chain-aborting failure from a format string.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Err: fmt.Errorf(format, args...)}
}

// Recoverable wraps err as an absorbed failure.
func Recoverable(err error) *Error { return &Error{Kind: KindRecoverable, Err: err} }

// RetryAfter asks for a single re-invocation after delay.
func RetryAfter(delay time.Duration, err error) *Error {
	return &Error{Kind: KindRetry, RetryDelay: delay, Err: err}
}

// Skip records why the interceptor chose not to act.
func Skip(reason string) *Error {
	return &Error{Kind: KindSkip, Err: fmt.Errorf("%s", reason)}
}

// Configuration wraps err as a fatal misconfiguration.
func Configuration(err error) *Error { return &Error{Kind: KindConfiguration, Err: err} }

// BlockedError is returned by the chain when an interceptor blocks the
// envelope. It is an intentional outcome, not a failure of the chain.
type BlockedError struct {
	Interceptor string
	Reason      string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("message blocked by %s: %s", e.Interceptor, e.Reason)
}
