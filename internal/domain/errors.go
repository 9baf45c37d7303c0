package domain

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
)

type Kind string

const (
	KindInvalidWindow  Kind = "INVALID_WINDOW"
	KindUnavailable    Kind = "UNAVAILABLE"
	KindNoPricing      Kind = "NO_PRICING"
	KindAmountMismatch Kind = "AMOUNT_MISMATCH"
	KindInvalidPayment Kind = "INVALID_PI"
	KindInvalidState   Kind = "INVALID_STATE"
	KindInvalidBody    Kind = "INVALID_BODY"
	KindForbidden      Kind = "FORBIDDEN"
	KindNotFound       Kind = "NOT_FOUND"
	KindUnauthorized   Kind = "UNAUTHORIZED"
	KindInternal       Kind = "INTERNAL"
)

// Error is an expected failure the caller can act on.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func InvalidWindow(message string) *Error {
	return newError(KindInvalidWindow, message, nil)
}

// Unavailable lists which buckets were held and which fell inside a blackout.
func Unavailable(conflictBuckets, blackoutBuckets []string) *Error {
	details := map[string]any{}
	if len(conflictBuckets) > 0 {
		details["conflictBuckets"] = conflictBuckets
	}
	if len(blackoutBuckets) > 0 {
		details["blackoutBuckets"] = blackoutBuckets
	}
	return newError(KindUnavailable, "requested window is not available", details)
}

func NoPricing(resourceID string) *Error {
	return newError(KindNoPricing, "resource has no usable rate", map[string]any{"resource_id": resourceID})
}

func AmountMismatch(quoted, recomputed, captured int64) *Error {
	return newError(KindAmountMismatch, "payment amount does not match the quote", map[string]any{
		"quoted_cents":     quoted,
		"recomputed_cents": recomputed,
		"captured_cents":   captured,
	})
}

func InvalidPayment(message string) *Error {
	return newError(KindInvalidPayment, message, nil)
}

func InvalidState(current State, action string) *Error {
	return newError(KindInvalidState, fmt.Sprintf("cannot %s a reservation in state %s", action, current), map[string]any{
		"state": string(current),
	})
}

func InvalidBody(message string, fields map[string]string) *Error {
	var details map[string]any
	if len(fields) > 0 {
		details = map[string]any{"fields": fields}
	}
	return newError(KindInvalidBody, message, details)
}

func Forbidden(message string) *Error {
	return newError(KindForbidden, message, nil)
}

func NotFound(what string) *Error {
	return newError(KindNotFound, what+" not found", nil)
}

func Unauthorized(message string) *Error {
	return newError(KindUnauthorized, message, nil)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// LocksMissingError is returned by a finalize when some holds are no longer live.
type LocksMissingError struct {
	Buckets []string
}

func (e *LocksMissingError) Error() string {
	return "holds missing for buckets: " + strings.Join(e.Buckets, ",")
}
