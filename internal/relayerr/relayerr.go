// Package relayerr classifies relay failures so callers can decide whether
// an error is retryable, fatal for the session, or only worth a log line.
package relayerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindAuth
	KindPolicy
	KindTimeout
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindPolicy:
		return "policy"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transport wraps err as a transport failure (bind, dial, socket).
func Transport(op string, err error) error { return wrap(KindTransport, op, err) }

// Protocol wraps err as a protocol failure (malformed packet, bad chain, unsupported version).
func Protocol(op string, err error) error { return wrap(KindProtocol, op, err) }

// Auth wraps err as an authentication failure.
func Auth(op string, err error) error { return wrap(KindAuth, op, err) }

// Policy wraps err as a policy rejection.
func Policy(op string, err error) error { return wrap(KindPolicy, op, err) }

// Timeout wraps err as a timeout.
func Timeout(op string, err error) error { return wrap(KindTimeout, op, err) }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified context deadline errors count as timeouts.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Retryable reports whether an outbound connect that failed with err may be
// attempted again. Protocol, auth and policy errors are terminal.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindProtocol, KindAuth, KindPolicy:
		return false
	default:
		return true
	}
}
