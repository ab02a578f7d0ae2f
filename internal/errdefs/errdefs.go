// Package errdefs defines the error taxonomy shared across the control
// plane. Components return errors classified by kind; the HTTP layer maps
// kinds to status codes without inspecting message strings.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidArgument
	KindPreconditionFailed
	KindQuotaExceeded
	KindTimedOut
	KindTransient
	KindFatal
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTimedOut:
		return "timed_out"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Error is a kinded error. QuotaKind is set only for KindQuotaExceeded
// (e.g. "concurrent_exec", "exec_rate").
type Error struct {
	Kind      Kind
	QuotaKind string
	Msg       string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is matching against another *Error by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinel values for errors.Is matching.
var (
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrInvalidArg   = &Error{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrPrecondition = &Error{Kind: KindPreconditionFailed, Msg: "precondition failed"}
	ErrTimedOut     = &Error{Kind: KindTimedOut, Msg: "timed out"}
	ErrTransient    = &Error{Kind: KindTransient, Msg: "transient failure"}
	ErrFatal        = &Error{Kind: KindFatal, Msg: "fatal"}
	ErrUpstream     = &Error{Kind: KindUpstream, Msg: "upstream unavailable"}
)

// NotFound creates a KindNotFound error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// InvalidArgument creates a KindInvalidArgument error.
func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

// Precondition creates a KindPreconditionFailed error.
func Precondition(format string, args ...any) error {
	return &Error{Kind: KindPreconditionFailed, Msg: fmt.Sprintf(format, args...)}
}

// QuotaExceeded creates a KindQuotaExceeded error tagged with the
// violated quota kind.
func QuotaExceeded(quotaKind string) error {
	return &Error{
		Kind:      KindQuotaExceeded,
		QuotaKind: quotaKind,
		Msg:       fmt.Sprintf("quota exceeded: %s", quotaKind),
	}
}

// TimedOut creates a KindTimedOut error.
func TimedOut(format string, args ...any) error {
	return &Error{Kind: KindTimedOut, Msg: fmt.Sprintf(format, args...)}
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Fatal wraps err as non-retryable; the caller should abandon the sandbox.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Err: err}
}

// Upstream wraps err as a preview-proxy upstream failure.
func Upstream(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindUpstream, Err: err}
}

// KindOf returns the kind of err, or KindUnknown for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// QuotaKindOf returns the violated quota kind for a KindQuotaExceeded
// error, or "".
func QuotaKindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.QuotaKind
	}
	return ""
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// HTTPStatus maps an error kind to the status code the facade returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindPreconditionFailed:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindTimedOut:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
