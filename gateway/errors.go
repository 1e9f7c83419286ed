package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingVerifier is returned when a callback arrives without the PKCE
	// verifier cookie issued at login.
	ErrMissingVerifier = errors.New("pkce verifier missing")

	// ErrStateMismatch is returned when the state echoed by the provider does not
	// match the one issued at login.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrUnauthenticated is returned when an operation requires an active session
	// and no refresh token was presented.
	ErrUnauthenticated = errors.New("no active session")
)

// UpstreamError reports a failed call to the identity provider. The provider's
// response body is never carried here; only the status reaches callers.
type UpstreamError struct {
	Op     string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: provider returned status %d", e.Op, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
