// Package errors provides error handling for Intake.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// It also defines the sentinel errors that make up the ingestion error
// taxonomy. Adapters return plain errors wrapped around these sentinels;
// the poll invoker and session manager are the only components that decide
// retry vs. surface.
//
// Usage:
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Categorize a failure so the operator gets actionable guidance
//	return errors.Wrapf(errors.ErrAuthFailed, "slack returned %s", resp.Status)
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotConnected) {
//	    // no active realtime session
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
	Join   = crdb.Join
)

// Sentinel errors for the ingestion taxonomy. Use these with errors.Is()
// for type-safe checks; wrap them with errors.Wrap() to add context while
// preserving the category.
var (
	// ErrInvalidConfig indicates a source configuration failed adapter
	// validation. Caught before any network activity.
	ErrInvalidConfig = New("invalid source configuration")

	// ErrAuthFailed indicates the credential itself was rejected
	// (expired token, bad password). Corrective action: rotate the secret.
	ErrAuthFailed = New("authentication failed")

	// ErrScopeDenied indicates the credential is valid but lacks the
	// permission/scope for the requested resource. Corrective action:
	// grant the missing scope.
	ErrScopeDenied = New("insufficient scope")

	// ErrNotFound indicates the remote resource (channel, room, mailbox,
	// feed) does not exist or is not visible to the credential.
	ErrNotFound = New("resource not found")

	// ErrSecretMissing indicates a named secret was absent from the
	// credential store. Adapters must fail loudly on this rather than
	// proceed with an empty credential.
	ErrSecretMissing = New("secret not found")

	// ErrNotConnected indicates an operation that requires an active
	// realtime session was invoked without one.
	ErrNotConnected = New("no active realtime session")

	// ErrUnsupported indicates an optional capability was invoked on an
	// adapter that does not declare it.
	ErrUnsupported = New("operation not supported by adapter")

	// ErrUnknownAdapterType indicates a source references an adapter type
	// that is not registered. A user-facing validation error, not a crash.
	ErrUnknownAdapterType = New("unknown adapter type")
)

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	return err != nil && Is(err, ErrAuthFailed)
}

// IsScopeError reports whether err is a valid-credential/missing-permission
// failure.
func IsScopeError(err error) bool {
	return err != nil && Is(err, ErrScopeDenied)
}

// IsNotFoundError reports whether err is a missing-resource failure.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConfigError reports whether err is a source configuration failure.
func IsConfigError(err error) bool {
	return err != nil && Is(err, ErrInvalidConfig)
}

// Category returns the operator-facing category name for an error, used by
// test() diagnostics and the discovery API. Errors outside the taxonomy are
// reported as transient.
func Category(err error) string {
	switch {
	case err == nil:
		return "ok"
	case Is(err, ErrInvalidConfig):
		return "config"
	case Is(err, ErrAuthFailed):
		return "auth"
	case Is(err, ErrScopeDenied):
		return "scope"
	case Is(err, ErrNotFound):
		return "not_found"
	case Is(err, ErrSecretMissing):
		return "secret"
	default:
		return "transient"
	}
}
