// Package apperr defines the error taxonomy shared by the hub, the pipeline and the HTTP
// and socket surfaces.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies an error for propagation and logging.
type Kind string

const (
	KindInput        Kind = "input"
	KindDomain       Kind = "domain"
	KindCoordination Kind = "coordination"
	KindPersistence  Kind = "persistence"
	KindAuth         Kind = "auth"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindRateLimit    Kind = "rate_limit"
	KindInternal     Kind = "internal"
)

// Error is a typed application error. Two errors are equal under errors.Is when their
// codes match, so predefined values can be used as sentinels after WithMessage or Wrap.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns a copy carrying a more specific human-readable message.
func (e *Error) WithMessage(message string) *Error {
	cp := *e
	cp.Message = message
	return &cp
}

// Wrap returns a copy that records cause for logging. The message shown to callers is unchanged.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Retryable reports whether the caller should retry the whole operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindPersistence || e.Code == ErrTimeout.Code
}

func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInput:
		return http.StatusBadRequest
	case KindDomain:
		return http.StatusUnprocessableEntity
	case KindCoordination:
		if e.Code == ErrTimeout.Code {
			return http.StatusGatewayTimeout
		}
		if e.Code == ErrRequestInProgress.Code {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	case KindPersistence:
		return http.StatusServiceUnavailable
	case KindAuth:
		if e.Code == ErrForbidden.Code {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidInput      = New(KindInput, "invalid_input", "Invalid input")
	ErrUnknownTag        = New(KindDomain, "unknown_tag", "RFID tag is not registered")
	ErrOutOfRange        = New(KindDomain, "out_of_range", "Reading is outside the accepted range")
	ErrContamination     = New(KindDomain, "contamination", "Metal detected, please remove staples or clips")
	ErrInsufficient      = New(KindDomain, "insufficient_points", "Not enough points for this reward")
	ErrNoDevice          = New(KindCoordination, "no_device", "No device available")
	ErrTimeout           = New(KindCoordination, "timeout", "No response from the kiosk, please try again")
	ErrRequestInProgress = New(KindCoordination, "request_in_progress", "Request already in progress")
	ErrCancelled         = New(KindCoordination, "cancelled", "Request cancelled")
	ErrStoreUnavailable  = New(KindPersistence, "store_unavailable", "Service temporarily unavailable, please retry")
	ErrUnauthorized      = New(KindAuth, "unauthorized", "Invalid authentication")
	ErrForbidden         = New(KindAuth, "forbidden", "Not allowed")
	ErrNotFound          = New(KindNotFound, "not_found", "Not found")
	ErrConflict          = New(KindConflict, "conflict", "Conflict")
	ErrRateLimited       = New(KindRateLimit, "rate_limited", "Rate limit exceeded")
	ErrInternal          = New(KindInternal, "internal", "Internal error")
)

// From maps any error onto the taxonomy. Unknown errors become ErrInternal with the
// original error kept as cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return ErrInternal.Wrap(err)
}

// CodeOf returns the taxonomy code of err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return From(err).Code
}
