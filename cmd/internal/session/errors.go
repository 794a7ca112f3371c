package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshRejected is returned when the backend refuses the refresh token.
	// The stored pair is cleared; the user has to sign in again.
	ErrRefreshRejected = errors.New("refresh token rejected")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RefreshError is a refresh request that failed for a reason other than rejection.
type RefreshError struct {
	Status int
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("refresh: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("refresh: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
