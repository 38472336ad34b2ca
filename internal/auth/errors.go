package auth

import (
	"errors"
	"fmt"
)

// ErrAuthentication wraps every verification failure; handlers map it to HTTP 401
var ErrAuthentication = errors.New("authentication failed")

// Causes, always wrapped together with ErrAuthentication
var (
	ErrMissingToken     = errors.New("missing session token")
	ErrMalformedToken   = errors.New("malformed session token")
	ErrInvalidSignature = errors.New("invalid session token signature")
	ErrExpiredToken     = errors.New("session token has expired")
	ErrUnknownUser      = errors.New("session token subject does not exist")
)

func authError(cause error) error {
	return fmt.Errorf("%w: %w", ErrAuthentication, cause)
}
