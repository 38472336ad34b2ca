package room

import (
	"errors"

	"coursechat/pkg/types"
)

// Validation errors are shared with the wire types so callers can match either
var (
	ErrEmptyMessage   = types.ErrEmptyMessage
	ErrMessageTooLong = types.ErrMessageTooLong
)

var (
	ErrNotAuthorized     = errors.New("not authorized to join room")
	ErrNotMember         = errors.New("connection is not a member of the room")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrPersistence       = errors.New("failed to persist message")
	ErrRoomClosed        = errors.New("room is closed")
)
