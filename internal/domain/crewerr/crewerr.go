// internal/domain/crewerr/crewerr.go
package crewerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure the way callers need to react to it.
type Kind string

const (
	KindForbidden       Kind = "forbidden"
	KindConflict        Kind = "conflict"
	KindRateLimited     Kind = "rate_limited"
	KindNotFound        Kind = "not_found"
	KindUnavailable     Kind = "unavailable"
	KindInvalid         Kind = "invalid"
	KindUnauthenticated Kind = "unauthenticated"
)

// Error is the error type returned across component boundaries.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration // only for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Kind == KindRateLimited {
		msg = fmt.Sprintf("%s (retry in %s)", msg, e.RetryAfter.Round(time.Second))
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind, so errors.Is(err, crewerr.ErrForbidden) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Kind-only sentinels for errors.Is.
var (
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUnavailable     = &Error{Kind: KindUnavailable}
	ErrInvalid         = &Error{Kind: KindInvalid}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
)

func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Msg: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) error {
	return &Error{Kind: KindUnauthenticated, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited reports an exhausted quota. retryAfter of zero means the
// quota never refills (lifetime window).
func RateLimited(action string, retryAfter time.Duration) error {
	return &Error{
		Kind:       KindRateLimited,
		Msg:        "rate limit exceeded for " + action,
		RetryAfter: retryAfter,
	}
}

// Unavailable wraps a transient failure that survived every retry.
func Unavailable(err error) error {
	return &Error{Kind: KindUnavailable, Msg: "service temporarily unavailable, try again", Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a crew error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfterOf returns the retry hint carried by a RateLimited error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsTerminal reports whether err must never be retried.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindForbidden, KindConflict, KindNotFound, KindRateLimited, KindInvalid, KindUnauthenticated:
		return true
	}
	return false
}
