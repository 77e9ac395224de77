package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an upload error. The kind decides whether the engine may
// retry the failed call and how callers should report the failure.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindAuthRequired       Kind = "auth_required"
	KindPayloadTooLarge    Kind = "payload_too_large"
	KindSessionExpired     Kind = "session_expired"
	KindTransientTransport Kind = "transient_transport"
	KindProcessingFailed   Kind = "processing_failed"
	KindProcessingTimeout  Kind = "processing_timeout"
	KindCancelled          Kind = "cancelled"
	KindUnknownServer      Kind = "unknown_server"
)

// Phase names the upload step an error belongs to.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseInit     Phase = "init"
	PhaseAppend   Phase = "append"
	PhaseFinalize Phase = "finalize"
	PhaseStatus   Phase = "status"
	PhaseMetadata Phase = "metadata"
)

// Error is the error type returned by the upload engine. Every failure that
// crosses a package boundary carries its kind and the phase it happened in.
type Error struct {
	Kind   Kind
	Phase  Phase
	Detail string

	cause error
}

// NewError creates an Error without an underlying cause.
func NewError(kind Kind, phase Phase, detail string) *Error {
	return &Error{Kind: kind, Phase: phase, Detail: detail}
}

// WrapError creates an Error around an underlying cause.
func WrapError(kind Kind, phase Phase, detail string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Detail: detail, cause: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Phase, e.Kind)
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts the typed upload error from err's chain.
func AsError(err error) (*Error, bool) {
	var uploadErr *Error
	if errors.As(err, &uploadErr) {
		return uploadErr, true
	}
	return nil, false
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	uploadErr, ok := AsError(err)
	return ok && uploadErr.Kind == kind
}

// KindOf classifies an arbitrary error. Typed errors keep their kind, caller
// cancellation maps to cancelled, everything else (connection resets, call
// timeouts, DNS hiccups) counts as transient transport trouble.
func KindOf(err error) Kind {
	if uploadErr, ok := AsError(err); ok {
		return uploadErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransientTransport
}

// ClassifyStatus maps a non-2xx HTTP status to an error kind.
func ClassifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuthRequired
	case statusCode == http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return KindTransientTransport
	case statusCode >= 500:
		return KindTransientTransport
	default:
		return KindUnknownServer
	}
}

// ContextError converts a context failure into a typed cancelled error,
// keeping deadline expiry distinguishable in the detail text.
func ContextError(phase Phase, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindCancelled, phase, "deadline exceeded", err)
	}
	return WrapError(KindCancelled, phase, "upload cancelled", err)
}
