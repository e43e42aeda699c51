package remote

import (
	"errors"
	"fmt"
)

// TransientError wraps a failure worth retrying: network errors,
// timeouts, a briefly unavailable remote.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError wraps an authentication or authorization failure. Fatal to
// the cycle; retrying cannot help.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("remote auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
