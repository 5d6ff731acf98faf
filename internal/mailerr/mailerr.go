// Package mailerr defines the error taxonomy shared by the store, provider
// adapters, sync engine, and operation façade. Adapters translate wire errors
// into one of these kinds; the sync engine decides retry behavior from the
// kind alone.
package mailerr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no kind.
	KindUnknown Kind = iota

	// KindNotFound means a referenced entity does not exist.
	KindNotFound

	// KindDuplicate means a unique constraint was violated.
	KindDuplicate

	// KindValidation means the input shape or rule semantics are invalid.
	KindValidation

	// KindAuthFailed means credentials or token refresh were rejected.
	KindAuthFailed

	// KindRateLimited means the provider returned a throttling signal.
	KindRateLimited

	// KindTransient means a network or socket failure worth retrying.
	KindTransient

	// KindPermanent means the provider returned a semantic error.
	KindPermanent

	// KindIntegrity means local state is inconsistent (migration checksum
	// mismatch, FTS divergence).
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindValidation:
		return "validation"
	case KindAuthFailed:
		return "auth_failed"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is a kinded error. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinel checks like
// errors.Is(err, mailerr.NotFound("")) work on the kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the sync engine should retry the operation.
// Only transient and rate-limit failures are retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// Convenience constructors matching the taxonomy names in the design docs.

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Duplicate(format string, args ...any) *Error {
	return New(KindDuplicate, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func AuthFailed(format string, args ...any) *Error {
	return New(KindAuthFailed, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(KindRateLimited, format, args...)
}

func Transient(format string, args ...any) *Error {
	return New(KindTransient, format, args...)
}

func Permanent(format string, args ...any) *Error {
	return New(KindPermanent, format, args...)
}

func Integrity(format string, args ...any) *Error {
	return New(KindIntegrity, format, args...)
}

// Trace wraps err with eris stack context while preserving the kind for
// errors.Is/As checks. Used at component boundaries where the call path
// matters for diagnostics.
func Trace(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Err: eris.Wrap(err, msg)}
	}
	return eris.Wrap(err, msg)
}
