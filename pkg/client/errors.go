package client

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession    = errors.New("no session")
	ErrNotConnected = errors.New("channel not connected")
	ErrCacheClosed  = errors.New("notification cache closed")
	ErrUnauthorized = errors.New("session rejected by server")
)

// StatusError is a non-2xx REST response
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match rejected sessions
func (e *StatusError) Unwrap() error {
	if e.Code == 401 || e.Code == 403 {
		return ErrUnauthorized
	}
	return nil
}
