// Package apperr carries the structured error taxonomy shared by the gateway,
// projector and ranking components. Every error has a Kind callers can branch on.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindCredentialExchangeFailed Kind = "credential_exchange_failed"
	KindInvalidTransition        Kind = "invalid_transition"
	KindForbidden                Kind = "forbidden"
	KindUpstreamRejected         Kind = "upstream_rejected"
	KindPartialProjection        Kind = "partial_projection_failure"
	KindAggregationPartial       Kind = "aggregation_partial_failure"
	KindNotFound                 Kind = "not_found"
	KindBadRequest               Kind = "bad_request"
	KindInternal                 Kind = "internal"
)

// Retryable reports whether the caller may retry the same call unchanged.
func (k Kind) Retryable() bool {
	return k == KindCredentialExchangeFailed || k == KindPartialProjection
}

type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a detail value and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
