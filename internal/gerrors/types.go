// Package gerrors defines the daemon-wide error taxonomy.
//
// Library code returns typed errors built here; surfaces (CLI, HTTP, hook
// responses) translate them with Kind, ExitCode, and HTTPStatus instead of
// matching message strings.
package gerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for surface translation.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindAmbiguousReference  Kind = "ambiguous_reference"
	KindConstraintViolation Kind = "constraint_violation"
	KindPermissionDenied    Kind = "permission_denied"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindProvider            Kind = "provider_error"
	KindGit                 Kind = "git_error"
	KindIntegrity           Kind = "integrity_error"
	KindUserBlocked         Kind = "user_blocked"
	KindInternal            Kind = "internal"
)

// Error carries a kind alongside a wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of err, walking the wrap chain.
// Plain errors classify as KindInternal; context errors map to
// KindCancelled / KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// Is lets errors.Is match against kind sentinels returned by Sentinel.
func (e *Error) Is(target error) bool {
	if s, ok := target.(sentinel); ok {
		return e.kind == Kind(s)
	}
	return false
}

type sentinel Kind

func (s sentinel) Error() string { return string(s) }

// Sentinel returns a value usable with errors.Is to test for a kind.
func Sentinel(k Kind) error { return sentinel(k) }

func newf(k Kind, format string, args ...any) *Error {
	var cause error
	if n := len(args); n > 0 {
		if err, ok := args[n-1].(error); ok && formatEndsWithW(format) {
			cause = err
		}
	}
	return &Error{kind: k, msg: fmt.Sprintf(format, args...), err: cause}
}

func formatEndsWithW(format string) bool {
	n := len(format)
	return n >= 2 && format[n-2] == '%' && format[n-1] == 'w'
}

func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

func AmbiguousReference(format string, args ...any) error {
	return newf(KindAmbiguousReference, format, args...)
}

func ConstraintViolation(format string, args ...any) error {
	return newf(KindConstraintViolation, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return newf(KindPermissionDenied, format, args...)
}

func Timeout(format string, args ...any) error {
	return newf(KindTimeout, format, args...)
}

func Cancelled(format string, args ...any) error {
	return newf(KindCancelled, format, args...)
}

func Provider(format string, args ...any) error {
	return newf(KindProvider, format, args...)
}

func Git(format string, args ...any) error {
	return newf(KindGit, format, args...)
}

func Integrity(format string, args ...any) error {
	return newf(KindIntegrity, format, args...)
}

func UserBlocked(format string, args ...any) error {
	return newf(KindUserBlocked, format, args...)
}

func Internal(format string, args ...any) error {
	return newf(KindInternal, format, args...)
}

// New builds an error of an arbitrary kind; surfaces use it to
// reconstruct errors transported over the wire.
func New(k Kind, format string, args ...any) error {
	return newf(k, format, args...)
}

// Wrap attaches a kind to an existing error, preserving the wrap chain.
func Wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: k, msg: msg, err: err}
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 1 user error, 2 constraint violation, 3 not found,
// 4 timeout, 5 internal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindAmbiguousReference, KindPermissionDenied, KindUserBlocked:
		return 1
	case KindConstraintViolation:
		return 2
	case KindNotFound:
		return 3
	case KindTimeout, KindCancelled:
		return 4
	default:
		return 5
	}
}

// HTTPStatus maps an error to an HTTP response status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAmbiguousReference, KindConstraintViolation:
		return http.StatusConflict
	case KindPermissionDenied, KindUserBlocked:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether the operation behind err is worth retrying.
// Storage and provider hiccups are transient; reference, constraint, and
// user-block errors are terminal for the call.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindIntegrity, KindProvider, KindInternal:
		return true
	default:
		return false
	}
}
