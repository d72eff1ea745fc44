// Package apperr defines the stable error kinds surfaced by the send/claim core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation             Kind = "ValidationError"
	KindLimitExceeded          Kind = "LimitExceeded"
	KindEscrowMismatch         Kind = "EscrowMismatch"
	KindInvalidCode            Kind = "InvalidCode"
	KindAttemptsExhausted      Kind = "AttemptsExhausted"
	KindTooSoon                Kind = "TooSoon"
	KindSessionExpired         Kind = "SessionExpired"
	KindTransferExpired        Kind = "TransferExpired"
	KindTokenAlreadyConsumed   Kind = "TokenAlreadyConsumed"
	KindProviderTransient      Kind = "ProviderTransient"
	KindProviderFatal          Kind = "ProviderFatal"
	KindDecryptionFailed       Kind = "DecryptionFailed"
	KindInvalidStateTransition Kind = "InvalidStateTransition"
	KindNotFound               Kind = "NotFound"
	KindUnavailable            Kind = "Unavailable"
	KindInternal               Kind = "Internal"
)

// Error is the only error type that crosses the core boundary. Message is
// safe to show to callers; the cause stays server side.
type Error struct {
	Kind              Kind
	Message           string
	RemainingAttempts *int
	RetryAfter        time.Duration
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches any *Error of the same kind, so sentinels like ErrTooSoon work
// with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// Sentinels for errors.Is checks. They carry no message so they match any
// error of their kind.
var (
	ErrValidation             = &Error{Kind: KindValidation}
	ErrLimitExceeded          = &Error{Kind: KindLimitExceeded}
	ErrEscrowMismatch         = &Error{Kind: KindEscrowMismatch}
	ErrInvalidCode            = &Error{Kind: KindInvalidCode}
	ErrAttemptsExhausted      = &Error{Kind: KindAttemptsExhausted}
	ErrTooSoon                = &Error{Kind: KindTooSoon}
	ErrSessionExpired         = &Error{Kind: KindSessionExpired}
	ErrTransferExpired        = &Error{Kind: KindTransferExpired}
	ErrTokenAlreadyConsumed   = &Error{Kind: KindTokenAlreadyConsumed}
	ErrProviderTransient      = &Error{Kind: KindProviderTransient}
	ErrProviderFatal          = &Error{Kind: KindProviderFatal}
	ErrDecryptionFailed       = &Error{Kind: KindDecryptionFailed}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrUnavailable            = &Error{Kind: KindUnavailable}
)

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindInvalidCode, KindAttemptsExhausted:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindLimitExceeded:
		return http.StatusUnprocessableEntity
	case KindTooSoon:
		return http.StatusTooManyRequests
	case KindSessionExpired, KindTransferExpired:
		return http.StatusGone
	case KindTokenAlreadyConsumed, KindInvalidStateTransition, KindEscrowMismatch:
		return http.StatusConflict
	case KindProviderTransient, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// SafeMessage is what the HTTP layer shows. Integrity faults and internal
// errors never expose their detail.
func SafeMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch e.Kind {
	case KindDecryptionFailed:
		return "stored data could not be read"
	case KindInternal:
		return "internal error"
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}
