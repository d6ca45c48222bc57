package fetch

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes produced by the engine.
type ErrorKind int

const (
	// KindInvalid marks malformed or unsafe input. Never retried, never
	// escalated to the other pipeline.
	KindInvalid ErrorKind = iota

	// KindTimeout marks a deadline exceeded. Never retried; callers may
	// escalate to the other fetch strategy.
	KindTimeout

	// KindBlocked marks a detected bot challenge or a suspiciously small
	// response. Never retried.
	KindBlocked

	// KindNetwork marks a connection, DNS, TLS, or protocol failure. The
	// only kind eligible for automatic retry.
	KindNetwork
)

// String returns the lowercase name used in logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindTimeout:
		return "timeout"
	case KindBlocked:
		return "blocked"
	case KindNetwork:
		return "network"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is the typed failure surfaced by both pipelines.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Invalid builds a KindInvalid error.
func Invalid(format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

// Timeout builds a KindTimeout error.
func Timeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// Blocked builds a KindBlocked error.
func Blocked(format string, args ...any) *Error {
	return &Error{Kind: KindBlocked, Message: fmt.Sprintf(format, args...)}
}

// Network builds a KindNetwork error.
func Network(format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf(format, args...)}
}

// WrapNetwork builds a KindNetwork error wrapping a cause.
func WrapNetwork(err error, format string, args ...any) *Error {
	return &Error{Kind: KindNetwork, Message: fmt.Sprintf(format, args...), Err: err}
}

// WrapTimeout builds a KindTimeout error wrapping a cause.
func WrapTimeout(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the error kind. Errors that did not originate in the
// engine are classified as KindNetwork so they stay retry-eligible.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether the retry orchestrator may re-attempt the
// operation. The switch is exhaustive over ErrorKind: adding a kind forces
// a retry-policy decision here.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork:
		return true
	case KindInvalid, KindTimeout, KindBlocked:
		return false
	default:
		return false
	}
}
