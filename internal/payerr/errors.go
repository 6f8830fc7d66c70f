// Package payerr defines the typed error taxonomy shared by the settlement core.
// Every caller-visible failure carries one of these kinds; internal causes are
// wrapped and logged, never surfaced as ledger state.
package payerr

import (
	"errors"
	"fmt"
)

// Kind identifies a caller-visible failure category.
type Kind string

const (
	KindInvalidAddress         Kind = "INVALID_ADDRESS"
	KindInsufficientFunds      Kind = "INSUFFICIENT_FUNDS"
	KindInsufficientGasReserve Kind = "INSUFFICIENT_GAS_RESERVE"
	KindDuplicateEscrow        Kind = "DUPLICATE_ESCROW"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindUnauthorized           Kind = "UNAUTHORIZED"
	KindConditionsNotMet       Kind = "CONDITIONS_NOT_MET"
	KindNoProviderAvailable    Kind = "NO_PROVIDER_AVAILABLE"
	KindChainUnavailable       Kind = "CHAIN_UNAVAILABLE"
	KindTimeout                Kind = "TIMEOUT"
)

// Error is a typed settlement error. Message is safe to return to callers;
// Cause holds the internal error chain for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a typed error with a caller-facing message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause to a typed error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Unknown errors map to
// KindChainUnavailable at the gateway boundary, so this returns ok=false
// instead of guessing.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// HTTPStatus maps an error kind to the HTTP status used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidAddress, KindInvalidStateTransition, KindConditionsNotMet:
		return 400
	case KindUnauthorized:
		return 403
	case KindDuplicateEscrow:
		return 409
	case KindInsufficientFunds, KindInsufficientGasReserve:
		return 422
	case KindNoProviderAvailable:
		return 422
	case KindTimeout:
		return 504
	case KindChainUnavailable:
		return 503
	default:
		return 500
	}
}
