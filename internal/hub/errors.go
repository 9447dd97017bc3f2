// Package hub provides the authenticated client for the remote provenance
// store: token exchange, instance discovery, and typed record operations with
// auth-refresh and bounded retry around every call.
package hub

import (
	"errors"
	"fmt"
)

// Error classes for the remote API (static sentinel errors for errors.Is() checks).
var (
	// ErrConfiguration indicates invalid or incomplete client configuration.
	// Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrAuthentication indicates the token exchange failed, or a request
	// was still unauthorized after exactly one token refresh. Fatal for the
	// current operation, never retried further.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransient indicates a timeout, connection failure, or retryable
	// server error that persisted past the configured retry budget.
	ErrTransient = errors.New("transient network failure")

	// ErrProtocol indicates a success status with a missing or malformed
	// payload. Retrying cannot fix a structural mismatch, so it never is.
	ErrProtocol = errors.New("protocol error")

	// ErrNotFound indicates a lookup that resolved to zero records.
	ErrNotFound = errors.New("not found")
)

type (
	// RequestError carries the remote error payload for a non-success
	// response that is not retried (validation errors, not-found, conflict).
	RequestError struct {
		StatusCode int
		Endpoint   string
		Detail     string
	}

	// TransientError reports a request that exhausted the retry budget.
	TransientError struct {
		Attempts int
		Endpoint string
		Err      error
	}

	// AuthError reports a fatal authentication failure.
	AuthError struct {
		Reason string
		Err    error
	}

	// ProtocolError reports a structurally invalid success response.
	ProtocolError struct {
		Endpoint string
		Reason   string
	}
)

// Error implements the error interface for RequestError.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Detail)
}

// Error implements the error interface for TransientError.
func (e *TransientError) Error() string {
	return fmt.Sprintf("request to %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

// Unwrap enables errors.Is(err, ErrTransient).
func (e *TransientError) Unwrap() error {
	return ErrTransient
}

// Error implements the error interface for AuthError.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}

	return "authentication failed: " + e.Reason
}

// Unwrap enables errors.Is(err, ErrAuthentication).
func (e *AuthError) Unwrap() error {
	return ErrAuthentication
}

// Error implements the error interface for ProtocolError.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %s", e.Endpoint, e.Reason)
}

// Unwrap enables errors.Is(err, ErrProtocol).
func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}
