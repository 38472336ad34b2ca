package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidID       = errors.New("id must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrUnknownKind     = errors.New("unknown event kind")
	ErrInvalidEnvelope = errors.New("invalid event envelope")
	ErrInvalidIntent   = errors.New("invalid intent payload")
	ErrEmptyMessage    = errors.New("message text is empty")
	ErrMessageTooLong  = errors.New("message text exceeds 5000 bytes")
	ErrInvalidRole     = errors.New("role must be owner, member or admin")
	ErrInvalidContent  = errors.New("content kind must be lecture or assignment")
)
