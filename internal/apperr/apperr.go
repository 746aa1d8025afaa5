// Package apperr classifies service failures so transport code can map
// them to HTTP statuses without inspecting error strings.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindRateLimit
	KindNotFound
	KindConflict
	KindDatabase
	KindEncryption
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDatabase:
		return "database"
	case KindEncryption:
		return "encryption"
	case KindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

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

func (e *Error) Kind() Kind { return e.kind }

// Message is the user-facing text without the wrapped cause.
func (e *Error) Message() string { return e.msg }

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func Validation(msg string) *Error     { return New(KindValidation, msg) }
func Authentication(msg string) *Error { return New(KindAuthentication, msg) }
func Authorization(msg string) *Error  { return New(KindAuthorization, msg) }
func RateLimit(msg string) *Error      { return New(KindRateLimit, msg) }
func NotFound(msg string) *Error       { return New(KindNotFound, msg) }
func Conflict(msg string) *Error       { return New(KindConflict, msg) }

func Database(msg string, err error) *Error   { return Wrap(KindDatabase, msg, err) }
func Encryption(msg string, err error) *Error { return Wrap(KindEncryption, msg, err) }
func Upstream(msg string, err error) *Error   { return Wrap(KindUpstream, msg, err) }

// KindOf walks the wrap chain and returns the first classified kind.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the text safe to show a client. Unclassified errors
// collapse to a generic message so internals never leak.
func UserMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.msg
	}
	return "internal server error"
}
