// Package errdefs defines Bay's error taxonomy.
//
// Every failure crossing a component boundary carries a Kind. The kind is what
// drives behavior: the session manager decides whether to compensate, the GC
// decides whether to re-queue, and the API layer maps it to an HTTP status.
// Components never branch on error strings.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for policy decisions and HTTP mapping.
type Kind string

const (
	// KindNotFound indicates the resource is absent or tombstoned.
	KindNotFound Kind = "not_found"

	// KindUnauthorized indicates missing or invalid credentials.
	KindUnauthorized Kind = "unauthorized"

	// KindForbidden indicates the caller is authenticated but not the owner.
	KindForbidden Kind = "forbidden"

	// KindConflict indicates an optimistic-lock retry budget exhausted,
	// a cargo deletion while still referenced, or an idempotency key reused
	// with a different request fingerprint.
	KindConflict Kind = "conflict"

	// KindValidation indicates malformed input.
	KindValidation Kind = "validation"

	// KindInvalidPath indicates a path escaping the workspace root.
	KindInvalidPath Kind = "invalid_path"

	// KindCapabilityNotSupported indicates no container in the sandbox's
	// profile advertises the requested capability.
	KindCapabilityNotSupported Kind = "capability_not_supported"

	// KindSandboxExpired indicates the sandbox's TTL has already elapsed.
	KindSandboxExpired Kind = "sandbox_expired"

	// KindSandboxTTLInfinite indicates a TTL extension on a sandbox without
	// a finite TTL.
	KindSandboxTTLInfinite Kind = "sandbox_ttl_infinite"

	// KindSessionNotReady indicates the session (or one of its capabilities)
	// is not currently able to serve requests.
	KindSessionNotReady Kind = "session_not_ready"

	// KindRuntime indicates the runtime returned a non-recoverable status or
	// a malformed body.
	KindRuntime Kind = "runtime_error"

	// KindTransient indicates an upstream connection failure that may clear.
	KindTransient Kind = "transient"

	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindInvariant indicates observed state that should be impossible.
	KindInvariant Kind = "invariant"

	// KindFatal indicates the backing fabric is unusable.
	KindFatal Kind = "fatal"

	// KindInternal is the catch-all for unhandled failures.
	KindInternal Kind = "internal"
)

// Error is the kind-tagged error type used across Bay.
type Error struct {
	Kind    Kind
	Message string
	// Details is surfaced verbatim in API error bodies. Keep it small.
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind. If err is already tagged, the
// existing kind is preserved and only the message context is added.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		kind = tagged.Kind
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetails attaches detail fields, returning the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the kind from an error chain. Untagged errors are Internal;
// context cancellation and deadline expiry are Timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code used at the API boundary.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindValidation, KindInvalidPath, KindCapabilityNotSupported, KindSandboxTTLInfinite:
		return http.StatusBadRequest
	case KindSandboxExpired:
		return http.StatusGone
	case KindSessionNotReady:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransient:
		return http.StatusBadGateway
	case KindRuntime:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
