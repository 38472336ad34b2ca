package notify

import "errors"

var (
	ErrEmptyNotification  = errors.New("notification message is required")
	ErrInvalidContentKind = errors.New("content kind must be lecture or assignment")
)
