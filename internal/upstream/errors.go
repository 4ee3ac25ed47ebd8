package upstream

import (
	"errors"
	"fmt"
)

// ErrNoToken indicates no upstream credential is currently available.
// Background tasks treat this as "no-op and log", never as a crash.
var ErrNoToken = errors.New("no upstream credential available")

// AuthError indicates the remote side rejected our credential
// (401/403). Fatal for the current run; never retried automatically.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("upstream rejected credential (status %d)", e.StatusCode)
}

// APIError is any other non-success remote response, transient or
// semantic. Queue items retry it with backoff; full sync aborts the
// current run and retries on the next tick.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether err wraps a credential rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
